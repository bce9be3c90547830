package domain

import (
	"errors"
	"fmt"
)

// ErrorClass groups errors by how a caller should react to them.
type ErrorClass string

const (
	// ClassValidation covers malformed or mismatched inputs. Rejected before
	// any state change; the request itself must be fixed.
	ClassValidation ErrorClass = "validation"
	// ClassState covers records in the wrong lifecycle state. The caller must
	// re-query current state before retrying.
	ClassState ErrorClass = "state"
	// ClassAuthorization covers wrong signers, missing co-signatures, and
	// policy vetoes. Retrying the same request can never succeed.
	ClassAuthorization ErrorClass = "authorization"
	// ClassArithmetic covers overflow and negative proceeds. Treated as a
	// configuration error, never clamped.
	ClassArithmetic ErrorClass = "arithmetic"
	// ClassResource covers insufficient balances. Retry is safe once the
	// caller tops up.
	ClassResource ErrorClass = "resource"
)

// Error is a marketplace error with a stable numeric code. Every operation
// surfaces exactly one of the sentinel values below; clients key actionable
// messages off the code, never off the message text.
type Error struct {
	Code  uint32
	Class ErrorClass
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Msg, e.Code)
}

func newErr(code uint32, class ErrorClass, msg string) *Error {
	return &Error{Code: code, Class: class, Msg: msg}
}

var (
	// Authorization.
	ErrPublicKeyMismatch  = newErr(6000, ClassAuthorization, "public key mismatch")
	ErrInvalidNotary      = newErr(6001, ClassAuthorization, "invalid notary signature")
	ErrSaleRequiresSigner = newErr(6002, ClassAuthorization, "sale requires notary co-signature")
	ErrPartiesMustAgree   = newErr(6003, ClassAuthorization, "both parties need to agree to sale")
	ErrPolicyViolation    = newErr(6004, ClassAuthorization, "transfer forbidden by asset policy")
	ErrUnauthorized       = newErr(6005, ClassAuthorization, "unauthorized")

	// Validation.
	ErrAddressMismatch     = newErr(6010, ClassValidation, "derived address mismatch")
	ErrInvalidPrice        = newErr(6011, ClassValidation, "invalid price")
	ErrInvalidExpiry       = newErr(6012, ClassValidation, "invalid expiry")
	ErrInvalidBasisPoints  = newErr(6013, ClassValidation, "invalid basis points")
	ErrMarketplaceMismatch = newErr(6014, ClassValidation, "records belong to different marketplaces")
	ErrAssetMismatch       = newErr(6015, ClassValidation, "records reference different assets")
	ErrCurrencyMismatch    = newErr(6016, ClassValidation, "records reference different currencies")
	ErrPriceMismatch       = newErr(6017, ClassValidation, "bid price below asking price")
	ErrQuantityMismatch    = newErr(6018, ClassValidation, "record quantities differ")
	ErrInvalidQuantity     = newErr(6019, ClassValidation, "invalid quantity")

	// State.
	ErrEmptyTradeState          = newErr(6020, ClassState, "trade record already closed")
	ErrTradeStateNotInitialized = newErr(6021, ClassState, "trade record never initialized")
	ErrOldSellerNotInitialized  = newErr(6022, ClassState, "legacy custody record not migrated")
	ErrRecordExpired            = newErr(6023, ClassState, "trade record expired")
	ErrAlreadyExists            = newErr(6024, ClassState, "record already exists")
	ErrDelegateMissing          = newErr(6025, ClassState, "asset delegation record missing")
	ErrRecordConflict           = newErr(6026, ClassState, "record modified concurrently")
	ErrAssetLocked              = newErr(6027, ClassState, "asset locked by external protocol")

	// Arithmetic.
	ErrNumericalOverflow = newErr(6030, ClassArithmetic, "numerical overflow")

	// Resource.
	ErrInsufficientFunds = newErr(6040, ClassResource, "insufficient escrow balance")
)

// ErrNotFound reports a record that does not exist at all, as opposed to one
// that existed and was closed. It carries no taxonomy code.
var ErrNotFound = errors.New("not found")

// CodeOf extracts the stable numeric code from err, unwrapping as needed.
// It returns 0 for errors outside the taxonomy.
func CodeOf(err error) uint32 {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return 0
}

// ClassOf extracts the taxonomy class from err, or "" for foreign errors.
func ClassOf(err error) ErrorClass {
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	return ""
}
