// Package trust holds the certificates the edge sessions trust when they dial
// the edge hub.
package trust

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrMissingCertPath = errors.New("missing path to certificate file")
	ErrMissingCertFile = errors.New("missing certificate file")
	ErrInvalidCert     = errors.New("no certificate found in file")
)

type Store struct {
	mu        sync.Mutex
	pool      *x509.CertPool
	installed map[[sha256.Size]byte]struct{}
	logger    *zerolog.Logger
}

// NewStore starts from the system roots when they are available.
func NewStore(l *zerolog.Logger) *Store {
	var logger zerolog.Logger

	if l == nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = *l
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		logger.Warn().Err(err).Msg("system cert pool unavailable, starting from an empty pool")
		pool = x509.NewCertPool()
	}

	return &Store{
		pool:      pool,
		installed: make(map[[sha256.Size]byte]struct{}),
		logger:    &logger,
	}
}

// Install adds every certificate found in path to the store. The file may be a
// PEM bundle or a single DER certificate.
func (s *Store) Install(path string) error {
	if strings.TrimSpace(path) == "" {
		s.logger.Error().Msgf("Missing path to certificate collection file: %s", path)
		return ErrMissingCertPath
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error().Msgf("Missing path to certificate collection file: %s", path)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingCertFile, path)
		}
		return errors.Join(ErrMissingCertFile, err)
	}

	certs, err := parseCertificates(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, c := range certs {
		fp := sha256.Sum256(c.Raw)
		if _, ok := s.installed[fp]; ok {
			continue
		}
		s.pool.AddCert(c)
		s.installed[fp] = struct{}{}
		added++
	}

	s.logger.Info().Int("added", added).Int("found", len(certs)).Msgf("Added Cert: %s", path)
	return nil
}

// Pool returns the pool used as RootCAs for outgoing TLS connections.
func (s *Store) Pool() *x509.CertPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// Installed returns how many distinct certificates were added through Install.
func (s *Store) Installed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.installed)
}

func parseCertificates(raw []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Join(ErrInvalidCert, err)
		}
		certs = append(certs, c)
	}

	if len(certs) > 0 {
		return certs, nil
	}

	// not PEM, try DER
	c, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, errors.Join(ErrInvalidCert, err)
	}
	return []*x509.Certificate{c}, nil
}
