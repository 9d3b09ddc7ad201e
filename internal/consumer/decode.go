package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"cashback-service/internal/model"
	"cashback-service/internal/processor"
	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

type transactionPayload struct {
	model.Transaction
	Republishing bool `json:"republishing"`
}

type cancellationPayload struct {
	TransactionID int64 `json:"transaction_id" validate:"required,gt=0"`
}

// decodeTransaction treats a broker redelivery as a republish so that an
// already granted cashback is replayed rather than recomputed.
func decodeTransaction(msg amqp.Delivery) (processor.IncomingUpdate, error) {
	var payload transactionPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return processor.IncomingUpdate{}, fmt.Errorf("unmarshal transaction: %w", err)
	}
	if err := validate.Struct(payload); err != nil {
		return processor.IncomingUpdate{}, formatValidationErrors(err)
	}
	if !payload.Amount.IsPositive() {
		return processor.IncomingUpdate{}, fmt.Errorf("amount must be positive, got %s", payload.Amount)
	}

	return processor.IncomingUpdate{
		Kind:         processor.KindTransaction,
		Transaction:  payload.Transaction,
		Republishing: payload.Republishing || msg.Redelivered,
		Delivery:     msg,
	}, nil
}

func decodeCancellation(msg amqp.Delivery) (processor.IncomingUpdate, error) {
	var payload cancellationPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return processor.IncomingUpdate{}, fmt.Errorf("unmarshal cancellation: %w", err)
	}
	if err := validate.Struct(payload); err != nil {
		return processor.IncomingUpdate{}, formatValidationErrors(err)
	}

	return processor.IncomingUpdate{
		Kind:          processor.KindCancellation,
		TransactionID: payload.TransactionID,
		Delivery:      msg,
	}, nil
}

func formatValidationErrors(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return fmt.Errorf("validation failed: %w", err)
	}
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(parts, ", "))
}
