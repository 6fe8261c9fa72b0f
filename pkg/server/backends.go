package server

import (
	"fmt"

	"github.com/breachline/breachdb/pkg/binfuse"
	"github.com/breachline/breachdb/pkg/cache"
	"github.com/breachline/breachdb/pkg/config"
	"github.com/breachline/breachdb/pkg/flatfile"
	"github.com/breachline/breachdb/pkg/record"
	"github.com/breachline/breachdb/pkg/toc"
)

// backend resolves a query path segment into canonical key bytes and
// answers lookups against shared read-only state. Implementations must be
// safe for concurrent use.
type backend interface {
	// Resolve parses or hashes the raw query into lookup key bytes.
	// A resolution failure is a client error (HTTP 400).
	Resolve(query string) ([]byte, error)

	// Lookup answers a resolved query. Filters report presence with
	// count 1; databases report the stored count.
	Lookup(key []byte) (cache.Result, error)
}

// dbBackend serves lookups from a flat-file database, optionally through a
// TOC. With hashPlain set, queries are plaintext passwords hashed with
// SHA-1 before lookup.
type dbBackend struct {
	db        *flatfile.DB
	index     *toc.Table
	hashPlain bool
}

func (b *dbBackend) Resolve(query string) ([]byte, error) {
	if b.hashPlain {
		return record.SHA1Sum(query), nil
	}
	return b.db.Kind().ParseHex(query)
}

func (b *dbBackend) Lookup(key []byte) (cache.Result, error) {
	lo, hi := 0, b.db.Len()
	if b.index != nil {
		lo, hi = b.index.Bounds(key)
		if lo == hi {
			return cache.Result{}, nil
		}
	}
	count, found := b.db.LookupIn(key, lo, hi)
	return cache.Result{Count: count, Found: found}, nil
}

// filterBackend serves approximate lookups from a sharded binary-fuse
// filter. Queries are the high 8 bytes of a SHA-1, as hex.
type filterBackend[T binfuse.Fingerprint] struct {
	filter *binfuse.Filter[T]
}

func (b *filterBackend[T]) Resolve(query string) ([]byte, error) {
	return record.SHA1T64.ParseHex(query)
}

func (b *filterBackend[T]) Lookup(key []byte) (cache.Result, error) {
	ok, err := b.filter.ContainsHash(key)
	if err != nil {
		return cache.Result{}, err
	}
	if !ok {
		return cache.Result{}, nil
	}
	// A filter knows membership, not occurrence counts.
	return cache.Result{Count: 1, Found: true}, nil
}

// backendSet is the shared read-only lookup state for all workers.
type backendSet struct {
	backends map[string]backend
	dbs      []*flatfile.DB
	filters  []interface{ Close() error }
}

// openBackends opens every configured database and filter up front, so a
// corrupt file refuses the whole startup instead of failing queries later.
// With cfg.TOC set, each database's index is built or loaded before serving.
func openBackends(cfg config.Server) (*backendSet, error) {
	s := &backendSet{backends: make(map[string]backend)}

	openDB := func(path string, kind record.Kind, tags ...string) error {
		db, err := flatfile.Open(path, kind)
		if err != nil {
			return err
		}
		s.dbs = append(s.dbs, db)

		var index *toc.Table
		if cfg.TOC {
			index, err = toc.BuildOrLoad(db, cfg.TOCBits)
			if err != nil {
				return err
			}
		}
		for i, tag := range tags {
			s.backends[tag] = &dbBackend{db: db, index: index, hashPlain: i > 0}
		}
		return nil
	}

	if cfg.SHA1DB != "" {
		// "plain" shares the SHA-1 database; the query is hashed first.
		if err := openDB(cfg.SHA1DB, record.SHA1, "sha1", "plain"); err != nil {
			return nil, s.closeAfter(err)
		}
	}
	if cfg.NTLMDB != "" {
		if err := openDB(cfg.NTLMDB, record.NTLM, "ntlm"); err != nil {
			return nil, s.closeAfter(err)
		}
	}
	if cfg.SHA1T64DB != "" {
		if err := openDB(cfg.SHA1T64DB, record.SHA1T64, "sha1t64"); err != nil {
			return nil, s.closeAfter(err)
		}
	}

	if cfg.Binfuse8Filter != "" {
		f, err := binfuse.Load[uint8](cfg.Binfuse8Filter)
		if err != nil {
			return nil, s.closeAfter(err)
		}
		s.filters = append(s.filters, f)
		s.backends["binfuse8"] = &filterBackend[uint8]{filter: f}
	}
	if cfg.Binfuse16Filter != "" {
		f, err := binfuse.Load[uint16](cfg.Binfuse16Filter)
		if err != nil {
			return nil, s.closeAfter(err)
		}
		s.filters = append(s.filters, f)
		s.backends["binfuse16"] = &filterBackend[uint16]{filter: f}
	}

	if len(s.backends) == 0 {
		return nil, config.ErrNoBackend
	}
	return s, nil
}

func (s *backendSet) closeAfter(err error) error {
	s.Close()
	return fmt.Errorf("open backends: %w", err)
}

// Close unmaps every database and filter.
func (s *backendSet) Close() {
	for _, db := range s.dbs {
		_ = db.Close()
	}
	for _, f := range s.filters {
		_ = f.Close()
	}
}
