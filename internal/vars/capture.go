package vars

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const DefaultCaptureCapacity = 100

// ResponseVariable is a value a post-request script stored for later sends.
type ResponseVariable struct {
	Name      string
	Value     any
	Source    string
	Timestamp time.Time
}

// String renders the value the way it is substituted into templates.
func (v ResponseVariable) String() string {
	return Stringify(v.Value)
}

// CapturePersister mirrors the store into durable storage.
type CapturePersister interface {
	SaveResponseVariable(ResponseVariable) error
	DeleteResponseVariable(name string) error
	LoadResponseVariables() ([]ResponseVariable, error)
}

// CaptureStore is a bounded map of response variables. When full, the
// entry written least recently is evicted; reads do not affect order.
type CaptureStore struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, ResponseVariable]
	persister CapturePersister
}

func NewCaptureStore(capacity int) *CaptureStore {
	if capacity <= 0 {
		capacity = DefaultCaptureCapacity
	}
	s := &CaptureStore{}
	cache, err := lru.NewWithEvict(capacity, s.evicted)
	if err != nil {
		panic(fmt.Sprintf("capture store: %v", err))
	}
	s.cache = cache
	return s
}

// Attach loads persisted entries, oldest first, and mirrors later writes.
func (s *CaptureStore) Attach(p CapturePersister) error {
	items, err := p.LoadResponseVariables()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.cache.Add(item.Name, item)
	}
	s.persister = p
	return nil
}

func (s *CaptureStore) Set(v ResponseVariable) {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(v.Name, v)
	if s.persister != nil {
		if err := s.persister.SaveResponseVariable(v); err != nil {
			log.Warn().Err(err).Str("variable", v.Name).Msg("persist response variable")
		}
	}
}

func (s *CaptureStore) Get(name string) (ResponseVariable, bool) {
	return s.cache.Peek(name)
}

// Delete drops name; the eviction hook removes it from the persister.
func (s *CaptureStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(name)
}

func (s *CaptureStore) Clear() {
	for _, name := range s.cache.Keys() {
		s.Delete(name)
	}
}

func (s *CaptureStore) Len() int { return s.cache.Len() }

// All returns entries oldest first.
func (s *CaptureStore) All() []ResponseVariable {
	return s.cache.Values()
}

// Values flattens the store into a table layer.
func (s *CaptureStore) Values() map[string]string {
	out := make(map[string]string, s.cache.Len())
	for _, v := range s.cache.Values() {
		out[v.Name] = v.String()
	}
	return out
}

// evicted runs for capacity evictions and explicit removals.
func (s *CaptureStore) evicted(name string, _ ResponseVariable) {
	log.Debug().Str("variable", name).Msg("response variable evicted")
	if s.persister == nil {
		return
	}
	if err := s.persister.DeleteResponseVariable(name); err != nil {
		log.Warn().Err(err).Str("variable", name).Msg("delete evicted response variable")
	}
}

// Stringify converts a script value into template text. Strings pass
// through, everything else is JSON encoded.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
