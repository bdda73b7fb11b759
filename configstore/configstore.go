// Package configstore implements the in-memory key→typed-value map of
// the records that make up process configuration: seeded from a
// defaults iterator, mutated by parsing a text config file, and further
// overridden by environment variables at read time. Grounded on
// domain/handler.go's HandlerServiceIface.HandlerDB() *iradix.Tree
// pattern: records are indexed in an immutable radix tree keyed by name
// so a prefix match is a tree walk, and a reload swaps the tree root
// atomically the same way that pattern swaps its handler DB.
package configstore

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tscore/tscore/domain"
)

// DefaultsFunc is the callback a ConfigStore is seeded from: it must
// invoke yield once per known record, in any order.
type DefaultsFunc func(yield func(domain.Record))

// Store is single-writer (the process that calls Load*); readers
// obtained via Get* always see either the pre- or post-reload snapshot,
// never a partial merge, because the root *iradix.Tree is only ever
// replaced via an atomic.Value swap.
type Store struct {
	log     *logrus.Entry
	fs      afero.Fs
	tree    atomic.Value // holds *iradix.Tree of name -> *domain.Record
	mtime   atomic.Value // holds time.Time of last successfully loaded file
	envName func(name string) string
}

func New(log *logrus.Entry, fs afero.Fs) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	s := &Store{log: log, fs: fs, envName: defaultEnvName}
	s.tree.Store(iradix.New())
	s.mtime.Store(time.Time{})
	return s
}

// defaultEnvName maps a record name to the environment variable that
// overrides it: the name transformed by s/./_/g, uppercased.
func defaultEnvName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, ".", "_"))
}

func (s *Store) tree_() *iradix.Tree { return s.tree.Load().(*iradix.Tree) }

// LoadDefaults fills the map from a compiled-in defaults iterator.
func (s *Store) LoadDefaults(f DefaultsFunc) {
	t := s.tree_()
	txn := t.Txn()
	f(func(r domain.Record) {
		rc := r
		txn.Insert([]byte(rc.Name), &rc)
	})
	s.tree.Store(txn.Commit())
}

// LoadFile parses a line-oriented text file: `CONFIG <name> <TYPE> <value>`
// (also accepting `LOCAL`); blank lines and `#` comments are ignored;
// unknown names are logged and ignored. Parsing happens into a
// transaction copy of the current tree so a parse failure never
// disturbs readers; the commit is the sole mutation point.
func (s *Store) LoadFile(path string) error {
	f, err := s.fs.Open(path)
	if err != nil {
		return fmt.Errorf("configstore: open %s: %w", path, err)
	}
	defer f.Close()

	base := s.tree_()
	txn := base.Txn()
	changed := 0

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			s.log.WithField("line", lineNo).Warn("configstore: malformed line, ignored")
			continue
		}
		kindTok := fields[0]
		if kindTok != "CONFIG" && kindTok != "LOCAL" {
			s.log.WithField("line", lineNo).Warnf("configstore: unknown record kind %q, ignored", kindTok)
			continue
		}
		name := fields[1]
		typeTok := fields[2]
		value := strings.Join(fields[3:], " ")

		typ, ok := parseType(typeTok)
		if !ok {
			s.log.WithField("line", lineNo).Warnf("configstore: unknown type %q for %s, ignored", typeTok, name)
			continue
		}

		existingV, found := txn.Get([]byte(name))
		if !found {
			s.log.WithField("name", name).Warn("configstore: unknown record name, ignored")
			continue
		}
		existing := existingV.(*domain.Record)

		class := existing.Class
		if kindTok == "LOCAL" {
			class = domain.ClassLocal
		}

		rec := &domain.Record{Name: name, Class: class, Type: typ, Value: value, Default: existing.Default}
		txn.Insert([]byte(name), rec)
		changed++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("configstore: scan %s: %w", path, err)
	}

	s.tree.Store(txn.Commit())
	if info, serr := s.fs.Stat(path); serr == nil {
		s.mtime.Store(info.ModTime())
	}
	s.log.WithField("changed", changed).Info("configstore: file reload complete")
	return nil
}

// ReloadIfChanged stats path and reloads only if mtime strictly
// increased since the last observed load.
func (s *Store) ReloadIfChanged(path string) (bool, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return false, fmt.Errorf("configstore: stat %s: %w", path, err)
	}
	last := s.mtime.Load().(time.Time)
	if !info.ModTime().After(last) {
		return false, nil
	}
	if err := s.LoadFile(path); err != nil {
		// A failed reload leaves the previous map intact: LoadFile only
		// commits on success, so there is nothing to roll back here.
		return false, err
	}
	return true, nil
}

func parseType(tok string) (domain.RecordType, bool) {
	switch strings.ToUpper(tok) {
	case "INT":
		return domain.TypeInt, true
	case "COUNTER":
		return domain.TypeCounter, true
	case "FLOAT":
		return domain.TypeFloat, true
	case "STRING":
		return domain.TypeString, true
	case "NULL":
		return domain.TypeNull, true
	default:
		return 0, false
	}
}

// lookup returns the record and its possibly-env-overridden string
// value, with ok=false for an unknown name; the Get* callers' missingOk
// decides whether that is a soft miss or a fatal condition.
func (s *Store) lookup(name string) (*domain.Record, string, bool) {
	v, ok := s.tree_().Get([]byte(name))
	if !ok {
		return nil, "", false
	}
	rec := v.(*domain.Record)
	value := rec.Value
	if ev, ok := os.LookupEnv(s.envName(name)); ok {
		value = ev
	}
	return rec, value, true
}

// GetInt reads an Int/Counter record, coercing the variant; type
// mismatch is a fatal condition for the caller.
func (s *Store) GetInt(name string, missingOk bool) (int64, error) {
	rec, value, ok := s.lookup(name)
	if !ok {
		if missingOk {
			return 0, nil
		}
		return 0, domain.WrapErr(domain.ErrFatalConfig, fmt.Errorf("configstore: missing required record %s", name))
	}
	if rec.Type != domain.TypeInt && rec.Type != domain.TypeCounter {
		return 0, domain.WrapErr(domain.ErrFatalConfig, fmt.Errorf("configstore: %s is not an Int/Counter record", name))
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, domain.WrapErr(domain.ErrFatalConfig, fmt.Errorf("configstore: %s value %q not an int: %w", name, value, err))
	}
	return n, nil
}

func (s *Store) GetCounter(name string, missingOk bool) (int64, error) {
	return s.GetInt(name, missingOk)
}

func (s *Store) GetFloat(name string, missingOk bool) (float64, error) {
	rec, value, ok := s.lookup(name)
	if !ok {
		if missingOk {
			return 0, nil
		}
		return 0, domain.WrapErr(domain.ErrFatalConfig, fmt.Errorf("configstore: missing required record %s", name))
	}
	if rec.Type != domain.TypeFloat {
		return 0, domain.WrapErr(domain.ErrFatalConfig, fmt.Errorf("configstore: %s is not a Float record", name))
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, domain.WrapErr(domain.ErrFatalConfig, fmt.Errorf("configstore: %s value %q not a float: %w", name, value, err))
	}
	return f, nil
}

func (s *Store) GetString(name string, missingOk bool) (string, error) {
	rec, value, ok := s.lookup(name)
	if !ok {
		if missingOk {
			return "", nil
		}
		return "", domain.WrapErr(domain.ErrFatalConfig, fmt.Errorf("configstore: missing required record %s", name))
	}
	if rec.Type != domain.TypeString {
		return "", domain.WrapErr(domain.ErrFatalConfig, fmt.Errorf("configstore: %s is not a String record", name))
	}
	return value, nil
}

// Get returns a copy of the record (kind/type/default) with the
// environment override, if set, applied to Value; used for RECORD_GET.
func (s *Store) Get(name string) (domain.Record, bool) {
	v, ok := s.tree_().Get([]byte(name))
	if !ok {
		return domain.Record{}, false
	}
	rec := *v.(*domain.Record)
	if ev, ok := os.LookupEnv(s.envName(name)); ok {
		rec.Value = ev
	}
	return rec, true
}

// Set implements RECORD_SET: mutates the value in place (keeping kind
// and type, per the "stable kind/type across a process run" invariant).
// Returns ok=false if the record is unknown.
func (s *Store) Set(name, value string) bool {
	base := s.tree_()
	v, ok := base.Get([]byte(name))
	if !ok {
		return false
	}
	existing := *v.(*domain.Record)
	existing.Value = value
	txn := base.Txn()
	txn.Insert([]byte(name), &existing)
	s.tree.Store(txn.Commit())
	return true
}

// MatchGet streams every record whose name has the given prefix, in
// radix order, via yield; used by RECORD_MATCH_GET.
func (s *Store) MatchGet(prefix string, yield func(domain.Record)) {
	s.tree_().Root().WalkPrefix([]byte(prefix), func(k []byte, v interface{}) bool {
		yield(*v.(*domain.Record))
		return false
	})
}

// Len reports the number of known records.
func (s *Store) Len() int { return s.tree_().Len() }
