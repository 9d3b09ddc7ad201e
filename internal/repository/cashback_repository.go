package repository

import (
	"context"
	"errors"

	"cashback-service/internal/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CashbackRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewCashbackRepository(db *gorm.DB, log *logrus.Logger) *CashbackRepository {
	return &CashbackRepository{
		db:  db,
		log: log,
	}
}

// FindByTransactionID returns the cashback of a transaction, or nil if there is none
func (r *CashbackRepository) FindByTransactionID(ctx context.Context, transactionID int64) (*model.Cashback, error) {
	var cashback model.Cashback
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&cashback).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cashback, nil
}

// Save inserts the cashback unless the transaction already has one.
// The unique index on transaction_id makes this safe under concurrent redelivery.
func (r *CashbackRepository) Save(ctx context.Context, cashback *model.Cashback) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "transaction_id"}},
			DoNothing: true,
		}).
		Create(cashback)
	if res.Error != nil {
		return false, res.Error
	}

	if res.RowsAffected == 0 {
		r.log.WithField("transaction_id", cashback.TransactionID).Debug("cashback already exists, insert skipped")
		return false, nil
	}
	return true, nil
}

// Delete removes the cashback of the given record's transaction
func (r *CashbackRepository) Delete(ctx context.Context, cashback *model.Cashback) error {
	return r.db.WithContext(ctx).
		Where("transaction_id = ?", cashback.TransactionID).
		Delete(&model.Cashback{}).Error
}
