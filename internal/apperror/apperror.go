package apperror

import "errors"

// Kind describes a stable error category that can be mapped to HTTP status codes.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindValidation         Kind = "validation"
	KindConflict           Kind = "conflict"
	KindInvalidTransition  Kind = "invalid_transition"
	KindExpired            Kind = "expired"
	KindAlreadyRedeemed    Kind = "already_redeemed"
	KindInsufficient       Kind = "insufficient_balance"
	KindInvalidAmount      Kind = "invalid_amount"
	KindDuplicateCode      Kind = "duplicate_code"
	KindPolicyNotFound     Kind = "policy_not_found"
	KindCustomerNotFound   Kind = "customer_not_found"
	KindDisabled           Kind = "disabled"
	KindStorageUnavailable Kind = "storage_unavailable"
)

// Error is a typed error with a stable Kind and a human-readable message.
// Msg should be safe to return to clients for every kind except StorageUnavailable.
// Data carries machine-readable details (e.g. the original order of a replayed redemption).
type Error struct {
	Kind Kind
	Msg  string
	Err  error
	Data map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func NotFound(msg string, err error) error   { return New(KindNotFound, msg, err) }
func Validation(msg string, err error) error { return New(KindValidation, msg, err) }
func Conflict(msg string, err error) error   { return New(KindConflict, msg, err) }

func InvalidTransition(msg string) error   { return New(KindInvalidTransition, msg, nil) }
func Expired(msg string) error             { return New(KindExpired, msg, nil) }
func InsufficientBalance(msg string) error { return New(KindInsufficient, msg, nil) }
func InvalidAmount(msg string) error       { return New(KindInvalidAmount, msg, nil) }
func Disabled(msg string) error            { return New(KindDisabled, msg, nil) }
func PolicyNotFound(msg string, err error) error {
	return New(KindPolicyNotFound, msg, err)
}
func CustomerNotFound(msg string, err error) error {
	return New(KindCustomerNotFound, msg, err)
}
func DuplicateCode(msg string, err error) error {
	return New(KindDuplicateCode, msg, err)
}

// AlreadyRedeemed сообщает о повторном погашении и возвращает исходный заказ.
func AlreadyRedeemed(msg, originalOrderID string) error {
	return &Error{
		Kind: KindAlreadyRedeemed,
		Msg:  msg,
		Data: map[string]string{"redeemed_order_id": originalOrderID},
	}
}

// Storage оборачивает сбой хранилища. Сообщение для клиента обобщённое,
// исходная ошибка доступна через Unwrap.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindStorageUnavailable, Msg: op + ": storage unavailable", Err: err}
}

func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf возвращает категорию ошибки или пустую строку для нетипизированных ошибок.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// DataOf возвращает дополнительные поля типизированной ошибки.
func DataOf(err error) map[string]string {
	var e *Error
	if !errors.As(err, &e) {
		return nil
	}
	return e.Data
}
