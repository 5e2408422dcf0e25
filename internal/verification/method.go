// Package verification coordinates one-time-code retrieval over the shared
// phone and email channels, serializing each channel through the lock manager.
package verification

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

// Method is the channel a caller asks for.
type Method string

// Verification methods.
const (
	MethodPhone Method = "phone"
	MethodEmail Method = "email"
	MethodAny   Method = "any"
)

// ParseMethod maps a user-supplied string to a Method. Empty means Any.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case MethodPhone:
		return MethodPhone, nil
	case MethodEmail:
		return MethodEmail, nil
	case MethodAny, "":
		return MethodAny, nil
	default:
		return "", fmt.Errorf("unknown verification method %q", s)
	}
}

// Other returns the opposite concrete channel.
func (m Method) Other() Method {
	switch m {
	case MethodPhone:
		return MethodEmail
	case MethodEmail:
		return MethodPhone
	default:
		return ""
	}
}

// Support lists the channels the current portal page offers.
type Support struct {
	Phone bool
	Email bool
}

// Offers reports whether m is a supported concrete channel.
func (s Support) Offers(m Method) bool {
	switch m {
	case MethodPhone:
		return s.Phone
	case MethodEmail:
		return s.Email
	default:
		return false
	}
}

// Availability records which channel locks were free when selection ran.
type Availability struct {
	Phone bool
	Email bool
}

func (a Availability) free(m Method) bool {
	if m == MethodPhone {
		return a.Phone
	}
	return a.Email
}

// Plan is the outcome of selection: the channel to try first and, in Any
// mode, the channel to retry once on failure (empty when there is none).
type Plan struct {
	Primary  Method
	Fallback Method
}

// Select picks the channels for a request in two steps.
//
// Step one resolves the request against what the page supports: a concrete
// method that is unsupported falls over to the other channel, and Any
// narrows to whichever channels remain. Step two only runs when Any keeps
// both channels: the free lock wins, and Phone wins a tie.
func Select(requested Method, support Support, avail Availability) (Plan, error) {
	candidates, err := resolveSupport(requested, support)
	if err != nil {
		return Plan{}, err
	}
	if len(candidates) == 1 {
		return Plan{Primary: candidates[0]}, nil
	}
	primary := breakTie(avail)
	return Plan{Primary: primary, Fallback: primary.Other()}, nil
}

func resolveSupport(requested Method, support Support) ([]Method, error) {
	switch requested {
	case MethodPhone, MethodEmail:
		if support.Offers(requested) {
			return []Method{requested}, nil
		}
		if support.Offers(requested.Other()) {
			return []Method{requested.Other()}, nil
		}
	case MethodAny:
		var out []Method
		for _, m := range []Method{MethodPhone, MethodEmail} {
			if support.Offers(m) {
				out = append(out, m)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	default:
		return nil, fmt.Errorf("unknown verification method %q", requested)
	}
	return nil, extractor.ErrNoVerificationMethod
}

func breakTie(avail Availability) Method {
	switch {
	case avail.free(MethodPhone):
		return MethodPhone
	case avail.free(MethodEmail):
		return MethodEmail
	default:
		return MethodPhone
	}
}
