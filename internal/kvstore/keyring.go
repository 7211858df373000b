package kvstore

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"
)

// indexKey tracks which keys were written, since the OS keychain cannot list them
const indexKey = "__worksheet_keys__"

// Keyring stores keys in the OS keychain/credential manager. It is a single-context
// medium: there are no other contexts to notify, so subscribers never fire.
type Keyring struct {
	service string
	mu      sync.Mutex
	logger  zerolog.Logger
	subs    subscribers
}

var _ Store = (*Keyring)(nil)

// NewKeyring returns a store whose entries live under service in the OS keychain
func NewKeyring(service string, logger zerolog.Logger) *Keyring {
	return &Keyring{
		service: service,
		logger:  logger,
	}
}

func (k *Keyring) Get(key string) (string, bool) {
	value, err := keyring.Get(k.service, key)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			k.logger.Error().Err(err).Str("key", key).Msg("Failed to read key from keyring")
		}
		return "", false
	}
	return value, true
}

func (k *Keyring) Set(key, value string) {
	k.Apply(NewBatch().Set(key, value))
}

func (k *Keyring) Remove(key string) {
	k.Apply(NewBatch().Remove(key))
}

// Apply holds the store lock for the whole batch; the keychain itself has no transactions
func (k *Keyring) Apply(b *Batch) {
	if b.Len() == 0 {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	index := k.loadIndex()
	for _, o := range b.ops {
		if o.remove {
			if err := keyring.Delete(k.service, o.key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
				k.logger.Error().Err(err).Str("key", o.key).Msg("Failed to delete key from keyring")
				continue
			}
			delete(index, o.key)
			continue
		}
		if err := keyring.Set(k.service, o.key, o.value); err != nil {
			k.logger.Error().Err(err).Str("key", o.key).Msg("Failed to save key to keyring")
			continue
		}
		index[o.key] = struct{}{}
	}
	k.saveIndex(index)
}

func (k *Keyring) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()

	for key := range k.loadIndex() {
		if err := keyring.Delete(k.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			k.logger.Error().Err(err).Str("key", key).Msg("Failed to delete key from keyring")
		}
	}
	if err := keyring.Delete(k.service, indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		k.logger.Error().Err(err).Msg("Failed to delete keyring index")
	}
}

func (k *Keyring) Subscribe(fn func(Change)) func() {
	return k.subs.add(fn)
}

func (k *Keyring) loadIndex() map[string]struct{} {
	index := make(map[string]struct{})

	raw, err := keyring.Get(k.service, indexKey)
	if err != nil {
		return index
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		k.logger.Warn().Err(err).Msg("Discarding unreadable keyring index")
		return index
	}
	for _, key := range keys {
		index[key] = struct{}{}
	}
	return index
}

func (k *Keyring) saveIndex(index map[string]struct{}) {
	keys := make([]string, 0, len(index))
	for key := range index {
		keys = append(keys, key)
	}

	data, err := json.Marshal(keys)
	if err != nil {
		k.logger.Error().Err(err).Msg("Failed to marshal keyring index")
		return
	}
	if err := keyring.Set(k.service, indexKey, string(data)); err != nil {
		k.logger.Error().Err(err).Msg("Failed to save keyring index")
	}
}
