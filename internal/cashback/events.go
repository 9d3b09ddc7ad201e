package cashback

import (
	"strconv"

	"github.com/google/uuid"
)

var eventNamespace = uuid.MustParse("5b0e2a8c-3c1f-4f43-9a5e-6f1d2c7b9e10")

// GrantEventID is shared by a grant and all of its republishes so the ledger
// applies the credit once.
func GrantEventID(transactionID int64) string {
	return uuid.NewSHA1(eventNamespace, []byte("grant:"+strconv.FormatInt(transactionID, 10))).String()
}

func CancelEventID(transactionID int64) string {
	return uuid.NewSHA1(eventNamespace, []byte("cancel:"+strconv.FormatInt(transactionID, 10))).String()
}
