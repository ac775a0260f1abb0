package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
)

const (
	MaxCiphertextBytes = 16 * 1024 // encrypted text, including the auth tag
	MinIVBytes         = 12
	MaxIVBytes         = 24
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of a client action. Failures wrap
// apperr.ErrValidation and name the offending fields.
func Validate(msg any) error {
	err := validate.Struct(msg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("chat: %v: %w", err, apperr.ErrValidation)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("chat: invalid %s: %w", strings.Join(fields, ", "), apperr.ErrValidation)
}

// ValidatePayload checks that the payload matches the message type: text
// carries ciphertext and an IV, image carries only an image reference.
func ValidatePayload(msgType string, ciphertext, iv []byte, imageRef string) error {
	switch msgType {
	case domain.MessageText:
		if imageRef != "" {
			return fmt.Errorf("chat: text message with image reference: %w", apperr.ErrValidation)
		}
		return validateCiphertext(ciphertext, iv)
	case domain.MessageImage:
		if len(ciphertext) > 0 || len(iv) > 0 {
			return fmt.Errorf("chat: image message with ciphertext: %w", apperr.ErrValidation)
		}
		if imageRef == "" {
			return fmt.Errorf("chat: image message without reference: %w", apperr.ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("chat: unknown message type %q: %w", msgType, apperr.ErrValidation)
	}
}

func validateCiphertext(ciphertext, iv []byte) error {
	if len(ciphertext) == 0 {
		return fmt.Errorf("chat: ciphertext is empty: %w", apperr.ErrValidation)
	}
	if len(ciphertext) > MaxCiphertextBytes {
		return fmt.Errorf("chat: ciphertext exceeds %d byte limit: %w", MaxCiphertextBytes, apperr.ErrValidation)
	}
	if len(iv) < MinIVBytes || len(iv) > MaxIVBytes {
		return fmt.Errorf("chat: iv must be %d to %d bytes: %w", MinIVBytes, MaxIVBytes, apperr.ErrValidation)
	}
	return nil
}
