package export

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowwatch/flowwatch/internal/ports"
)

// StixDocument maintains a single STIX 2.x bundle file on disk,
// appending one indicator per distinct IP. The first indicator
// creates the bundle; later ones are spliced into its objects array
// by truncating the trailing "]}" and appending a comma-joined
// entry, mirroring the original append-without-reparsing trick.
type StixDocument struct {
	path string
	mu   sync.Mutex

	created  bool
	addedIPs map[string]bool
}

// NewStixDocument prepares a writer for the bundle file at path. The
// file itself is created lazily on the first AppendIndicator call.
func NewStixDocument(path string) *StixDocument {
	return &StixDocument{path: path, addedIPs: map[string]bool{}}
}

func (s *StixDocument) AppendIndicator(ctx context.Context, ip, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.addedIPs[ip] {
		return nil
	}

	indicator := indicatorJSON(ip, description)

	if !s.created {
		if err := s.writeBundle(indicator); err != nil {
			return err
		}
		s.created = true
	} else {
		if err := s.appendIndicator(indicator); err != nil {
			return err
		}
	}

	s.addedIPs[ip] = true
	return nil
}

func (s *StixDocument) writeBundle(indicatorJSON string) error {
	bundle := fmt.Sprintf(`{"type":"bundle","id":"bundle--%s","objects":[%s]}`, uuid.NewString(), indicatorJSON)
	return os.WriteFile(s.path, []byte(bundle), 0o644)
}

func (s *StixDocument) appendIndicator(indicatorJSON string) error {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	// Trim the trailing "]}" so the new indicator can be spliced in
	// before it, then re-close the array and object.
	if info.Size() < 2 {
		return fmt.Errorf("stix: %s is too short to contain a bundle", s.path)
	}
	if err := f.Truncate(info.Size() - 2); err != nil {
		return err
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	_, err = f.WriteString("," + indicatorJSON + "]}")
	return err
}

func indicatorJSON(ip, description string) string {
	now := time.Now().UTC().Format(time.RFC3339)
	pattern := fmt.Sprintf(`[ipv4-addr:value = '%s']`, ip)
	return fmt.Sprintf(
		`{"type":"indicator","id":"indicator--%s","created":%s,"modified":%s,"name":%s,"pattern":%s,"pattern_type":"stix","valid_from":%s}`,
		uuid.NewString(),
		strconv.Quote(now),
		strconv.Quote(now),
		strconv.Quote(description),
		strconv.Quote(pattern),
		strconv.Quote(now),
	)
}

var _ ports.IndicatorDocumentWriter = (*StixDocument)(nil)
