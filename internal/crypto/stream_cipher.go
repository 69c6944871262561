// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// Algorithm names a stream cipher mode that accepts a per-packet IV.
type Algorithm string

const AES128CTR Algorithm = "aes-128-ctr"

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported cipher algorithm")
	ErrInvalidKeyLength     = errors.New("invalid cipher key length")
	// ErrInvalidCiphertext is reserved for modes that authenticate. AES-CTR
	// does not, so corrupted input produces garbage output and detection is
	// the caller's responsibility.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// maxCachedContexts bounds each direction's context cache. Eviction is
// oldest-inserted-first; strict LRU is not required.
const maxCachedContexts = 20

type cacheKey string

func contextKey(algo Algorithm, key, iv []byte) cacheKey {
	return cacheKey(string(algo) + "|" + hex.EncodeToString(key) + "|" + hex.EncodeToString(iv))
}

// StreamCipher encrypts and decrypts datagram payloads with a bounded cache
// of keyed cipher contexts per direction. A context is keyed by
// (algorithm, key, iv); repeated calls with the same triple continue the
// keystream of the cached context.
type StreamCipher struct {
	mu       sync.Mutex
	enc      map[cacheKey]cipher.Stream
	encOrder []cacheKey
	dec      map[cacheKey]cipher.Stream
	decOrder []cacheKey
}

func NewStreamCipher() *StreamCipher {
	return &StreamCipher{
		enc: make(map[cacheKey]cipher.Stream),
		dec: make(map[cacheKey]cipher.Stream),
	}
}

func newStream(algo Algorithm, key, iv []byte) (cipher.Stream, error) {
	switch algo {
	case AES128CTR:
		if len(key) != 16 {
			return nil, fmt.Errorf("%w: got %d bytes, want 16", ErrInvalidKeyLength, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
		}
		if len(iv) != block.BlockSize() {
			return nil, fmt.Errorf("%w: iv must be %d bytes", ErrInvalidKeyLength, block.BlockSize())
		}
		return cipher.NewCTR(block, iv), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algo)
	}
}

// lookup returns the cached stream for the triple, creating and inserting it
// (with oldest-first eviction) on miss. Caller holds c.mu.
func lookup(cache map[cacheKey]cipher.Stream, order *[]cacheKey, algo Algorithm, key, iv []byte) (cipher.Stream, error) {
	k := contextKey(algo, key, iv)
	if s, ok := cache[k]; ok {
		return s, nil
	}
	s, err := newStream(algo, key, iv)
	if err != nil {
		return nil, err
	}
	if len(*order) >= maxCachedContexts {
		oldest := (*order)[0]
		*order = (*order)[1:]
		delete(cache, oldest)
	}
	cache[k] = s
	*order = append(*order, k)
	return s, nil
}

// Encrypt enciphers data under (algo, key, iv). For the datagram transport,
// iv is the 16-byte packet header.
func (c *StreamCipher) Encrypt(data []byte, algo Algorithm, key, iv []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := lookup(c.enc, &c.encOrder, algo, key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	s.XORKeyStream(out, data)
	return out, nil
}

// Decrypt deciphers data under (algo, key, iv).
func (c *StreamCipher) Decrypt(data []byte, algo Algorithm, key, iv []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := lookup(c.dec, &c.decOrder, algo, key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	s.XORKeyStream(out, data)
	return out, nil
}

// ClearCache empties both direction caches.
func (c *StreamCipher) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enc = make(map[cacheKey]cipher.Stream)
	c.encOrder = nil
	c.dec = make(map[cacheKey]cipher.Stream)
	c.decOrder = nil
}

// CacheSizes reports the live entry count per direction.
func (c *StreamCipher) CacheSizes() (encrypt, decrypt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc), len(c.dec)
}
