package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/heikotroetsch/simedge/internal/errors"
	"github.com/heikotroetsch/simedge/internal/model"
)

const (
	// Size limits
	MaxInputNameSize = 1024                   // 1 KB
	MaxPayloadSize   = 64 * 1024 * 1024       // 64 MB
	MaxModelSize     = 2 * 1024 * 1024 * 1024 // 2 GB

	MaxOutputIndices   = 1 << 16
	MaxPeerAddressSize = 256
)

// Validator validates execution requests, model commits and broker input
type Validator struct {
	maxInputNameSize int
	maxPayloadSize   int
	maxModelSize     int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxInputNameSize: MaxInputNameSize,
		maxPayloadSize:   MaxPayloadSize,
		maxModelSize:     MaxModelSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxInputNameSize, maxPayloadSize, maxModelSize int) *Validator {
	return &Validator{
		maxInputNameSize: maxInputNameSize,
		maxPayloadSize:   maxPayloadSize,
		maxModelSize:     maxModelSize,
	}
}

// ValidateExecution validates a request before it is scheduled
func (v *Validator) ValidateExecution(hash model.ModelHash, inputName string, payload []byte, dataType model.DataType, indices []int32) error {
	if hash.IsZero() {
		return errors.InvalidArgument("model hash cannot be empty", nil)
	}

	if err := v.ValidateInputName(inputName); err != nil {
		return err
	}

	if len(payload) > v.maxPayloadSize {
		return errors.InvalidArgument(
			fmt.Sprintf("payload exceeds maximum size of %d bytes", v.maxPayloadSize), nil).
			WithDetail("size", len(payload))
	}

	if !dataType.Valid() {
		return errors.InvalidArgument(fmt.Sprintf("unknown data type %d", dataType), nil)
	}

	return ValidateIndices(indices)
}

// ValidateInputName validates the name of the model input tensor
func (v *Validator) ValidateInputName(name string) error {
	if len(name) > v.maxInputNameSize {
		return errors.InvalidArgument(
			fmt.Sprintf("input name exceeds maximum size of %d bytes", v.maxInputNameSize), nil)
	}

	// Check for null bytes (security)
	if strings.Contains(name, "\x00") {
		return errors.InvalidArgument("input name cannot contain null bytes", nil)
	}

	return nil
}

// ValidateIndices validates an output selection list
func ValidateIndices(indices []int32) error {
	if len(indices) > MaxOutputIndices {
		return errors.InvalidArgument(
			fmt.Sprintf("too many output indices: %d > %d", len(indices), MaxOutputIndices), nil)
	}
	for i, idx := range indices {
		if idx < 0 {
			return errors.InvalidArgument(fmt.Sprintf("output index %d is negative: %d", i, idx), nil)
		}
	}
	return nil
}

// ValidateModel validates a model commit
func (v *Validator) ValidateModel(data []byte, resources int) error {
	if len(data) == 0 {
		return errors.InvalidArgument("model cannot be empty", nil)
	}
	if len(data) > v.maxModelSize {
		return errors.InvalidArgument(
			fmt.Sprintf("model exceeds maximum size of %d bytes", v.maxModelSize), nil)
	}
	if resources < 1 {
		return errors.InvalidArgument(fmt.Sprintf("resource count must be at least 1, got %d", resources), nil)
	}
	return nil
}

// ValidatePeerAddress validates an overlay address received from the broker
func ValidatePeerAddress(address string) error {
	if address == "" {
		return errors.InvalidArgument("peer address cannot be empty", nil)
	}
	if len(address) > MaxPeerAddressSize {
		return errors.InvalidArgument(
			fmt.Sprintf("peer address exceeds maximum size of %d bytes", MaxPeerAddressSize), nil)
	}
	for _, r := range address {
		if unicode.IsControl(r) || unicode.IsSpace(r) || r == ';' {
			return errors.InvalidArgument("peer address contains forbidden characters", nil).
				WithDetail("address", address)
		}
	}
	return nil
}

// SanitizeIdentity strips characters that would break a broker line.
// ';' separates fields and control characters include the line terminator.
func SanitizeIdentity(identity string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == ';' {
			return -1
		}
		return r
	}, identity)

	return strings.TrimSpace(sanitized)
}
