package wacz

import (
	"fmt"
	"strings"
	"time"

	"github.com/raysh454/scoop/internal/exchange"
)

// rawKey identifies one raw/ entry: raw/{kind}_{date}_{id}[_{digest}].
// A digest means the entry holds only the head and the body is the WARC
// payload with that digest.
type rawKey struct {
	kind   string
	date   time.Time
	id     string
	digest string
}

func rawName(kind string, date time.Time, id, digest string) string {
	name := "raw/" + kind + "_" + exchange.FormatDate(date) + "_" + id
	if digest != "" {
		name += "_" + digest
	}
	return name
}

func parseRawName(p string) (rawKey, error) {
	rest, ok := strings.CutPrefix(p, "raw/")
	if !ok {
		return rawKey{}, fmt.Errorf("not a raw entry")
	}
	kind, rest, ok := strings.Cut(rest, "_")
	if !ok {
		return rawKey{}, fmt.Errorf("missing date")
	}
	dateStr, rest, ok := strings.Cut(rest, "_")
	if !ok || rest == "" {
		return rawKey{}, fmt.Errorf("missing id")
	}
	date, err := exchange.ParseDate(dateStr)
	if err != nil {
		return rawKey{}, fmt.Errorf("bad date %q", dateStr)
	}
	k := rawKey{kind: kind, date: date, id: rest}
	// Digests are "algorithm:hex"; ids never contain a colon.
	if i := strings.LastIndex(rest, "_"); i > 0 && strings.Contains(rest[i+1:], ":") {
		k.id, k.digest = rest[:i], rest[i+1:]
	}
	return k, nil
}
