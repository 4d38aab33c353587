package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	EventTransactionCompleted = "transaction.completed"
	EventTransactionFailed    = "transaction.failed"
	EventTransactionConfirmed = "transaction.confirmed"
	EventInvoicePaid          = "invoice.paid"
	EventInvoiceExpired       = "invoice.expired"
	EventWalletCredited       = "wallet.credited"
	EventWalletDebited        = "wallet.debited"
	EventKYCApproved          = "kyc.approved"
	EventKYCRejected          = "kyc.rejected"

	maxVersionReads = 3
)

// Event is one inbound gateway delivery. Timestamp is unix seconds as sent
// in the X-Gateway-Timestamp header.
type Event struct {
	Type      string
	Payload   []byte
	Signature string
	Timestamp string
}

type Outcome struct {
	Key       string             `json:"key"`
	EventType string             `json:"event_type"`
	Status    models.EventStatus `json:"status"`
	Duplicate bool               `json:"duplicate"`
	Detail    string             `json:"detail,omitempty"`
}

type envelope struct {
	ID    string    `json:"id"`
	Event string    `json:"event"`
	Data  eventData `json:"data"`
}

type eventData struct {
	ID            string           `json:"id"`
	Reference     string           `json:"reference"`
	TxHash        string           `json:"tx_hash"`
	Fee           *decimal.Decimal `json:"fee"`
	FeeCurrency   models.Currency  `json:"fee_currency"`
	Reason        string           `json:"reason"`
	WalletID      string           `json:"wallet_id"`
	Amount        *decimal.Decimal `json:"amount"`
	Currency      models.Currency  `json:"currency"`
	CustomerID    string           `json:"customer_id"`
	Confirmations *int             `json:"confirmations"`
}

// Reconciler applies gateway webhooks to the ledger exactly once per
// idempotency key. It never retries a failed event itself; redelivery is the
// gateway's job and the recorded outcome answers it.
type Reconciler struct {
	d            Deps
	wallets      *WalletManager
	transactions *TransactionMachine
}

func NewReconciler(d Deps, wallets *WalletManager, transactions *TransactionMachine) *Reconciler {
	return &Reconciler{d: d.withDefaults(), wallets: wallets, transactions: transactions}
}

func (r *Reconciler) Ingest(ctx context.Context, ev Event) (*Outcome, error) {
	now := r.d.Clock.Now()
	if err := r.verify(ev, now); err != nil {
		r.d.Metrics.WebhookRejected(string(apperr.KindOf(err)))
		r.d.Logger.Warnf("Rejected webhook %s: %v", ev.Type, err)
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		r.d.Metrics.WebhookRejected(string(apperr.KindValidation))
		return nil, apperr.Wrap(apperr.KindValidation, "malformed event payload", err)
	}
	eventType := env.Event
	if eventType == "" {
		eventType = ev.Type
	}
	key := idempotencyKey(env, eventType, ev.Payload)
	log := r.d.Logger.WithFields(logrus.Fields{"event_key": key, "event_type": eventType})

	rec, claimed, err := r.d.Repo.ClaimEvent(ctx, key, eventType, now, r.d.Settings.EventClaimLease)
	if err != nil {
		log.Errorf("Failed to claim event: %v", err)
		return nil, err
	}
	if !claimed {
		if rec.Status == models.EventProcessing {
			return nil, apperr.Newf(apperr.KindConflict, "event %s is being processed", key)
		}
		log.Infof("Duplicate delivery, recorded outcome %s", rec.Status)
		return &Outcome{Key: key, EventType: eventType, Status: rec.Status, Duplicate: true, Detail: rec.Detail}, nil
	}

	status, detail := r.dispatch(ctx, key, eventType, env.Data)
	if err := r.d.Repo.CompleteEvent(ctx, key, status, detail, r.d.Clock.Now()); err != nil {
		// The claim lapses after the lease and a redelivery re-runs the
		// keyed steps, which are safe to repeat.
		log.Errorf("Failed to record event outcome %s: %v", status, err)
		return nil, err
	}
	r.d.Metrics.WebhookProcessed(eventType, status)
	if status == models.EventFailed {
		log.Errorf("Event failed to apply: %s", detail)
	} else {
		log.Infof("Event %s", status)
	}
	return &Outcome{Key: key, EventType: eventType, Status: status, Detail: detail}, nil
}

func (r *Reconciler) verify(ev Event, now time.Time) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(ev.Timestamp), 10, 64)
	if err != nil {
		return apperr.New(apperr.KindStaleEvent, "missing or malformed event timestamp")
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > r.d.Settings.WebhookTolerance {
		return apperr.Newf(apperr.KindStaleEvent, "event timestamp is %s away from now", skew.Truncate(time.Second))
	}
	if !ValidSignature(r.d.Settings.WebhookSecret, ev.Timestamp, ev.Payload, ev.Signature) {
		return apperr.ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of timestamp followed by payload.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.TrimSpace(timestamp)))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func ValidSignature(secret, timestamp string, payload []byte, signature string) bool {
	if secret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, timestamp, payload))
	return hmac.Equal(got, want)
}

func idempotencyKey(env envelope, eventType string, payload []byte) string {
	if env.ID != "" {
		return env.ID
	}
	if env.Data.ID != "" {
		return eventType + ":" + env.Data.ID
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (r *Reconciler) dispatch(ctx context.Context, key, eventType string, data eventData) (models.EventStatus, string) {
	var err error
	switch eventType {
	case EventTransactionCompleted, EventInvoicePaid:
		err = r.transition(ctx, data, models.StatusCompleted)
	case EventTransactionFailed:
		err = r.transition(ctx, data, models.StatusFailed)
	case EventInvoiceExpired:
		err = r.transition(ctx, data, models.StatusExpired)
	case EventTransactionConfirmed:
		err = r.confirm(ctx, data)
	case EventWalletCredited:
		err = r.adjustWallet(ctx, key, data, false)
	case EventWalletDebited:
		err = r.adjustWallet(ctx, key, data, true)
	case EventKYCApproved:
		err = r.updateKYC(ctx, data, models.KYCApproved)
	case EventKYCRejected:
		err = r.updateKYC(ctx, data, models.KYCRejected)
	default:
		return models.EventIgnored, fmt.Sprintf("unhandled event type %q", eventType)
	}
	if err != nil {
		return models.EventFailed, fmt.Sprintf("%s: %s", apperr.KindOf(err), apperr.SafeMessage(err))
	}
	return models.EventApplied, ""
}

func (r *Reconciler) findTransaction(ctx context.Context, data eventData) (*models.Transaction, error) {
	if data.ID != "" {
		tx, err := r.d.Repo.GetTransactionByExternalRef(ctx, data.ID)
		if !apperr.IsKind(err, apperr.KindNotFound) {
			return tx, err
		}
	}
	if data.Reference != "" {
		tx, err := r.d.Repo.GetTransaction(ctx, data.Reference)
		if !apperr.IsKind(err, apperr.KindNotFound) {
			return tx, err
		}
	}
	if data.TxHash != "" {
		tx, err := r.d.Repo.GetTransactionByTxHash(ctx, data.TxHash)
		if !apperr.IsKind(err, apperr.KindNotFound) {
			return tx, err
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "transaction not found")
}

func (r *Reconciler) transition(ctx context.Context, data eventData, to models.TransactionStatus) error {
	tx, err := r.findTransaction(ctx, data)
	if err != nil {
		return err
	}
	meta := TransitionMeta{
		FailureReason: data.Reason,
		Fee:           data.Fee,
		FeeCurrency:   data.FeeCurrency,
		ExternalRef:   data.ID,
		TxHash:        data.TxHash,
	}
	_, err = r.transactions.Transition(ctx, tx.ID, to, meta)
	if !apperr.IsKind(err, apperr.KindInvalidTransition) {
		return err
	}
	// Already in the requested state: an earlier attempt may have stopped
	// between the status change and the settlement.
	current, gerr := r.d.Repo.GetTransaction(ctx, tx.ID)
	if gerr != nil || current.Status != to {
		return err
	}
	_, err = r.transactions.ResumeSettlement(ctx, tx.ID)
	return err
}

func (r *Reconciler) confirm(ctx context.Context, data eventData) error {
	if data.Confirmations == nil {
		return apperr.New(apperr.KindValidation, "confirmations missing")
	}
	tx, err := r.findTransaction(ctx, data)
	if err != nil {
		return err
	}
	if data.TxHash != "" && !tx.HasBlockchainData() {
		if _, err := r.transactions.AttachTxHash(ctx, tx.ID, data.TxHash); err != nil {
			return err
		}
	}
	_, err = r.transactions.RecordConfirmation(ctx, tx.ID, *data.Confirmations)
	return err
}

func (r *Reconciler) adjustWallet(ctx context.Context, key string, data eventData, debit bool) error {
	if data.Amount == nil || !data.Amount.IsPositive() {
		return apperr.New(apperr.KindValidation, "amount must be positive")
	}
	wallet, err := r.findWallet(ctx, data.WalletID)
	if err != nil {
		return err
	}
	if data.Currency != "" && data.Currency != wallet.Currency {
		return apperr.Newf(apperr.KindValidation, "event currency %s does not match wallet currency %s", data.Currency, wallet.Currency)
	}
	delta := *data.Amount
	if debit {
		delta = delta.Neg()
	}

	for attempt := 1; ; attempt++ {
		_, _, err = r.wallets.ApplyBalanceDeltaOnce(ctx, "event:"+key, wallet.ID, models.BalanceAvailable, delta, wallet.Version)
		if !apperr.IsKind(err, apperr.KindStaleVersion) || attempt == maxVersionReads {
			return err
		}
		if wallet, err = r.d.Repo.GetWallet(ctx, wallet.ID); err != nil {
			return err
		}
	}
}

func (r *Reconciler) findWallet(ctx context.Context, ref string) (*models.Wallet, error) {
	if ref == "" {
		return nil, apperr.New(apperr.KindValidation, "wallet id missing")
	}
	wallet, err := r.d.Repo.GetWalletByExternalRef(ctx, ref)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return r.d.Repo.GetWallet(ctx, ref)
	}
	return wallet, err
}

func (r *Reconciler) updateKYC(ctx context.Context, data eventData, status models.KYCStatus) error {
	if data.CustomerID == "" {
		return apperr.New(apperr.KindValidation, "customer id missing")
	}
	user, err := r.d.Repo.GetUserByCustomerRef(ctx, data.CustomerID)
	if err != nil {
		return err
	}
	now := r.d.Clock.Now()
	_, err = r.d.Repo.MutateUser(ctx, user.ID, func(u *models.User) error {
		u.KYCStatus = status
		u.KYCRejectionReason = ""
		if status == models.KYCRejected {
			u.KYCRejectionReason = data.Reason
		}
		u.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	audit(ctx, r.d, user.ID, "kyc."+string(status))
	notify(ctx, r.d, "kyc."+string(status), user.ID, fmt.Sprintf("KYC %s for user %s", status, user.ID), nil)
	return nil
}
