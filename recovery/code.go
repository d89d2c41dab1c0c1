package recovery

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	recoveryCodePrefix = "HRK"
	recoveryCodeBytes  = 8
)

// GenerateRecoveryCode generates a one-time recovery code presented as
// HRK-XXXX-XXXX-XXXX-XXXX (uppercase hex, grouped for transcription).
func GenerateRecoveryCode() (string, error) {
	raw := make([]byte, recoveryCodeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate recovery code: %w", err)
	}
	return FormatRecoveryCode(raw), nil
}

// FormatRecoveryCode renders raw code bytes in the display form.
func FormatRecoveryCode(raw []byte) string {
	hexed := strings.ToUpper(hex.EncodeToString(raw))
	groups := make([]string, 0, len(hexed)/4+1)
	groups = append(groups, recoveryCodePrefix)
	for i := 0; i < len(hexed); i += 4 {
		end := i + 4
		if end > len(hexed) {
			end = len(hexed)
		}
		groups = append(groups, hexed[i:end])
	}
	return strings.Join(groups, "-")
}

// ParseRecoveryCode decodes a displayed recovery code back to its raw
// bytes. It tolerates lowercase input, missing dashes and surrounding
// whitespace, since users type these from paper.
func ParseRecoveryCode(code string) ([]byte, error) {
	cleaned := strings.ToUpper(strings.TrimSpace(code))
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.TrimPrefix(cleaned, recoveryCodePrefix)

	raw, err := hex.DecodeString(cleaned)
	if err != nil || len(raw) != recoveryCodeBytes {
		return nil, fmt.Errorf("malformed recovery code")
	}
	return raw, nil
}
