package iio

import (
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/logging"
)

// ContextDescription is a context found by Scan.
type ContextDescription struct {
	URI         string
	Description string
}

// Scan looks for reachable contexts. backends lists URI schemes separated
// by commas or colons, e.g. "local,usb" or "local:usb". A token may pass
// arguments to its backend after '=': "usb=0456:b673" only scans that
// vendor and product. An empty list scans with every registered backend
// able to. Scanning with a backend that cannot scan fails with ENODEV.
//
// Results are sorted by URI; identical entries are reported once.
func Scan(params *ContextParams, backends string) ([]ContextDescription, error) {
	if params == nil {
		p := DefaultParams()
		params = &p
	}
	log := params.Logger
	if log == nil {
		log = logging.Default()
	}

	tokens := scanTokens(backends)
	if len(tokens) == 0 {
		registryMu.RLock()
		for scheme, d := range registry {
			if d.Scan != nil {
				tokens = append(tokens, scheme)
			}
		}
		registryMu.RUnlock()
		sort.Strings(tokens)
	}

	var found []ContextDescription
	for _, tok := range tokens {
		scheme, args, _ := strings.Cut(tok, "=")
		d, ok := lookupBackend(scheme)
		if !ok || d.Scan == nil {
			return nil, WrapError("SCAN", unix.ENODEV)
		}

		timeout := params.Timeout
		if timeout == 0 {
			timeout = d.DefaultTimeout
		}
		res, err := d.Scan(args, BackendParams{URI: scheme + ":", Timeout: timeout, Logger: log})
		if err != nil {
			return nil, WrapError("SCAN", err)
		}
		log.Debug("scan done", "backend", d.Name, "contexts", len(res))
		found = append(found, res...)
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].URI != found[j].URI {
			return found[i].URI < found[j].URI
		}
		return found[i].Description < found[j].Description
	})
	out := make([]ContextDescription, 0, len(found))
	for i, c := range found {
		if i > 0 && c == found[i-1] {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// scanTokens splits a backend list. The only colon kept is the one of a
// "scheme=vid:pid" argument.
func scanTokens(s string) []string {
	var tokens []string
	for _, tok := range strings.Split(s, ",") {
		parts := strings.Split(tok, ":")
		for i := 0; i < len(parts); i++ {
			p := parts[i]
			if strings.Contains(p, "=") && i+1 < len(parts) {
				p += ":" + parts[i+1]
				i++
			}
			if p != "" {
				tokens = append(tokens, p)
			}
		}
	}
	return tokens
}
