package verify

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"formbridge/internal/models"
)

// FilePath is where the file method expects the proof document.
const FilePath = "/.well-known/form-bridge-verification.txt"

// FileContent renders the proof document a site should publish at FilePath.
func FileContent(domain, proof string) string {
	return fmt.Sprintf("domain=%s\ntoken=%s\n", domain, proof)
}

// FileMethod verifies a key=value document at FilePath. The document must
// name the domain and carry the proof. An optional timestamp must be recent.
type FileMethod struct {
	fetcher *Fetcher
	prover  *Prover
	maxAge  time.Duration
	Now     func() time.Time
}

func NewFileMethod(fetcher *Fetcher, prover *Prover, maxAge time.Duration) *FileMethod {
	return &FileMethod{fetcher: fetcher, prover: prover, maxAge: maxAge, Now: time.Now}
}

func (m *FileMethod) Name() string { return models.VerificationMethodFile }

func (m *FileMethod) Verify(ctx context.Context, domain, tempKey string) (bool, error) {
	body, err := m.fetcher.Get(ctx, domain, FilePath)
	if err != nil {
		return false, err
	}
	fields := parseKeyValues(body)

	if fields["domain"] != domain {
		return false, nil
	}
	if !m.prover.Matches(domain, tempKey, fields["token"]) {
		return false, nil
	}
	if ts, ok := fields["timestamp"]; ok {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return false, nil
		}
		now, maxAge := m.Now().Unix(), int64(m.maxAge/time.Second)
		if unix < now-maxAge || unix > now+maxAge {
			return false, nil
		}
	}
	return true, nil
}

// parseKeyValues reads key=value lines. Blank lines and # comments are
// skipped; the first occurrence of a key wins.
func parseKeyValues(body []byte) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if _, seen := out[k]; !seen {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}
