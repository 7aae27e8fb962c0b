// Package walleterr defines the error kinds shared by every lockwallet
// component.
//
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so callers
// can classify a failure with errors.Is without parsing messages:
//   - ErrLocked, ErrUnauthorized: recoverable, prompt the user
//   - ErrDecryption: retry with a different credential
//   - ErrValidation, ErrIntegrity, ErrIncompatibleInput: fatal to the request
//   - ErrConfiguration: persisted state is corrupted
//
// A missing record is not an error: lookups return a nil value instead.
package walleterr

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("password required")
	ErrConflict          = errors.New("mode conflict")
	ErrDecryption        = errors.New("decryption failed")
	ErrLocked            = errors.New("wallet is locked")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrIncompatibleInput = errors.New("incompatible input")
	ErrConfiguration     = errors.New("invalid configuration")
	ErrInvalidMnemonic   = errors.New("invalid mnemonic")
)

// Kind returns the sentinel that err wraps, or nil when err does not belong
// to the taxonomy.
func Kind(err error) error {
	for _, kind := range []error{
		ErrValidation, ErrUnauthorized, ErrConflict, ErrDecryption,
		ErrLocked, ErrIntegrity, ErrIncompatibleInput, ErrConfiguration,
		ErrInvalidMnemonic,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
