// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_crypto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func testIV(seq uint32) []byte {
	iv := make([]byte, 16)
	binary.BigEndian.PutUint32(iv[12:], seq)
	return iv
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc := NewStreamCipher()
	dec := NewStreamCipher()
	key := testKey()

	plaintext := []byte("sixty milliseconds of opus audio")
	ciphertext, err := enc.Encrypt(plaintext, AES128CTR, key, testIV(1))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := dec.Decrypt(ciphertext, AES128CTR, key, testIV(1))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}
}

func TestDistinctIVsDistinctKeystreams(t *testing.T) {
	c := NewStreamCipher()
	key := testKey()
	plaintext := make([]byte, 64)

	ct1, err := c.Encrypt(plaintext, AES128CTR, key, testIV(1))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct2, err := c.Encrypt(plaintext, AES128CTR, key, testIV(2))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ct1, ct2) {
		t.Error("different IVs produced identical ciphertext")
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	c := NewStreamCipher()
	if _, err := c.Encrypt([]byte("x"), Algorithm("rot13"), testKey(), testIV(1)); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("err = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestInvalidKeyLength(t *testing.T) {
	c := NewStreamCipher()
	if _, err := c.Encrypt([]byte("x"), AES128CTR, []byte("short"), testIV(1)); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("err = %v, want ErrInvalidKeyLength", err)
	}
	if _, err := c.Decrypt([]byte("x"), AES128CTR, testKey(), []byte("badiv")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("short iv err = %v, want ErrInvalidKeyLength", err)
	}
}

func TestCacheBound(t *testing.T) {
	c := NewStreamCipher()
	key := testKey()

	for seq := uint32(0); seq < 50; seq++ {
		if _, err := c.Encrypt([]byte("payload"), AES128CTR, key, testIV(seq)); err != nil {
			t.Fatalf("Encrypt seq %d: %v", seq, err)
		}
	}
	encSize, decSize := c.CacheSizes()
	if encSize > maxCachedContexts {
		t.Errorf("encrypt cache size = %d, want <= %d", encSize, maxCachedContexts)
	}
	if decSize != 0 {
		t.Errorf("decrypt cache size = %d, want 0", decSize)
	}

	for seq := uint32(0); seq < 50; seq++ {
		if _, err := c.Decrypt([]byte("payload"), AES128CTR, key, testIV(seq)); err != nil {
			t.Fatalf("Decrypt seq %d: %v", seq, err)
		}
	}
	_, decSize = c.CacheSizes()
	if decSize > maxCachedContexts {
		t.Errorf("decrypt cache size = %d, want <= %d", decSize, maxCachedContexts)
	}
}

func TestCacheEvictsOldestFirst(t *testing.T) {
	c := NewStreamCipher()
	key := testKey()

	// Fill the cache exactly, then one more to force a single eviction.
	for seq := uint32(0); seq < maxCachedContexts+1; seq++ {
		if _, err := c.Encrypt([]byte("p"), AES128CTR, key, testIV(seq)); err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
	}
	encSize, _ := c.CacheSizes()
	if encSize != maxCachedContexts {
		t.Fatalf("cache size after overflow = %d, want %d", encSize, maxCachedContexts)
	}

	// Re-keying the evicted (oldest) triple starts a fresh context, so the
	// keystream restarts and output matches a brand-new cipher.
	fresh := NewStreamCipher()
	want, err := fresh.Encrypt([]byte("p"), AES128CTR, key, testIV(0))
	if err != nil {
		t.Fatalf("fresh Encrypt: %v", err)
	}
	got, err := c.Encrypt([]byte("p"), AES128CTR, key, testIV(0))
	if err != nil {
		t.Fatalf("re-keyed Encrypt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("evicted triple did not restart its keystream")
	}
}

func TestClearCache(t *testing.T) {
	c := NewStreamCipher()
	if _, err := c.Encrypt([]byte("p"), AES128CTR, testKey(), testIV(1)); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	c.ClearCache()
	encSize, decSize := c.CacheSizes()
	if encSize != 0 || decSize != 0 {
		t.Errorf("cache sizes after clear = %d/%d, want 0/0", encSize, decSize)
	}
}
