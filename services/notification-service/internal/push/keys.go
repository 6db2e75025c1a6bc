package push

import (
	"errors"
	"fmt"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// ErrMissingKeys means no VAPID key pair was configured and autogeneration is off.
var ErrMissingKeys = errors.New("vapid keys are not configured")

type Keys struct {
	Public  string
	Private string
	// Generated is true when the pair was created at startup and will not survive a restart.
	Generated bool
}

// LoadKeys returns the configured pair, or a fresh one when both are empty and
// autogenerate is set. A half-configured pair is always an error.
func LoadKeys(public, private string, autogenerate bool) (Keys, error) {
	public, private = strings.TrimSpace(public), strings.TrimSpace(private)
	switch {
	case public != "" && private != "":
		return Keys{Public: public, Private: private}, nil
	case public != "" || private != "":
		return Keys{}, fmt.Errorf("%w: both VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set", ErrMissingKeys)
	case !autogenerate:
		return Keys{}, ErrMissingKeys
	}
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return Keys{}, fmt.Errorf("generate vapid keys: %w", err)
	}
	return Keys{Public: pub, Private: priv, Generated: true}, nil
}
