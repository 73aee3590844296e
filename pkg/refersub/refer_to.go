package refersub

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// MaxReferToLength bounds the raw Refer-To value this package will
// parse, guarding against a pathological header used as an attack
// vector against the URI parser.
const MaxReferToLength = 2048

// maxReferToParams bounds how many query parameters a Refer-To URI may
// carry before parsing is refused.
const maxReferToParams = 20

// ParseReferTo extracts the target URI and the optional Replaces
// parameter from a Refer-To header value, which may carry Replaces as
// a URI-escaped query parameter (RFC 3891): "sip:b@h?Replaces=...".
func ParseReferTo(raw string) (target sip.Uri, replaces string, err error) {
	if len(raw) > MaxReferToLength {
		return sip.Uri{}, "", fmt.Errorf("refersub: Refer-To too long: %d bytes", len(raw))
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return sip.Uri{}, "", fmt.Errorf("refersub: empty Refer-To")
	}
	if strings.ContainsAny(raw, "\r\n\x00") {
		return sip.Uri{}, "", fmt.Errorf("refersub: invalid characters in Refer-To")
	}
	raw = strings.TrimPrefix(raw, "<")
	raw = strings.TrimSuffix(raw, ">")

	uriPart := raw
	var query string
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		uriPart = raw[:idx]
		query = raw[idx+1:]
	}

	if query != "" {
		pairs := strings.Split(query, "&")
		if len(pairs) > maxReferToParams {
			return sip.Uri{}, "", fmt.Errorf("refersub: too many Refer-To parameters: %d", len(pairs))
		}
		for _, p := range pairs {
			k, v, ok := strings.Cut(p, "=")
			if !ok || !strings.EqualFold(k, "Replaces") {
				continue
			}
			if decoded, err := url.QueryUnescape(v); err == nil {
				replaces = decoded
			} else {
				replaces = v
			}
		}
	}

	var u sip.Uri
	if err := sip.ParseUri(uriPart, &u); err != nil {
		return sip.Uri{}, "", fmt.Errorf("refersub: invalid Refer-To URI: %w", err)
	}
	return u, replaces, nil
}

// ParseReplaces parses the Replaces parameter's `call-id;to-tag=...;
// from-tag=...` form (RFC 3891 §3) into its three components.
func ParseReplaces(raw string) (callID, toTag, fromTag string, err error) {
	if len(raw) > 512 {
		return "", "", "", fmt.Errorf("refersub: Replaces too long: %d bytes", len(raw))
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", "", fmt.Errorf("refersub: empty Replaces")
	}
	if strings.ContainsAny(raw, "\r\n\x00<>\"") {
		return "", "", "", fmt.Errorf("refersub: invalid characters in Replaces")
	}

	parts := strings.Split(raw, ";")
	callID = strings.TrimSpace(parts[0])
	if callID == "" {
		return "", "", "", fmt.Errorf("refersub: missing call-id in Replaces")
	}

	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if len(v) > 128 {
			return "", "", "", fmt.Errorf("refersub: tag too long in Replaces: %s", k)
		}
		switch k {
		case "to-tag":
			toTag = v
		case "from-tag":
			fromTag = v
		}
	}
	if toTag == "" && fromTag == "" {
		return "", "", "", fmt.Errorf("refersub: Replaces carries no tags")
	}
	return callID, toTag, fromTag, nil
}

// FormatReferTo renders a Refer-To header value, attaching Replaces as
// a URI-escaped query parameter when a dialog to replace is given.
func FormatReferTo(target sip.Uri, replacesCallID, replacesToTag, replacesFromTag string) string {
	uri := target.String()
	if replacesCallID == "" {
		return uri
	}
	replaces := fmt.Sprintf("%s;to-tag=%s;from-tag=%s", replacesCallID, replacesToTag, replacesFromTag)
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sReplaces=%s", uri, sep, url.QueryEscape(replaces))
}
