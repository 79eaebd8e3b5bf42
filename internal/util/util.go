// Package util provides small shared helpers for the server harness:
// cycle-safe deep value comparison (used by the configuration differ),
// bounded execution of blocking operations, and server-id generation.
package util

import (
	cryptorand "crypto/rand"
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// ErrTimeout is returned (wrapped) by ExecuteWithTimeout when the operation
// does not complete within its budget. Callers branch on it with errors.Is.
var ErrTimeout = errors.New("operation timed out")

// ExecuteWithTimeout runs op with a context bounded by timeout. It returns
// the operation's own error when op finishes in time, or an error wrapping
// ErrTimeout that names the operation when the budget is exhausted first.
//
// Exactly one outcome is ever reported: the result channel is buffered so a
// late-finishing op cannot block, and the derived context is cancelled on
// every return path so op observes the timeout and can stop early.
func ExecuteWithTimeout(ctx context.Context, name string, timeout time.Duration, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(opCtx) }()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("operation %q: %w after %s", name, ErrTimeout, timeout)
		}
		return fmt.Errorf("operation %q: %w", name, opCtx.Err())
	}
}

// serverIDAlphabet is the character set for the random suffix of server ids.
const serverIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateServerID returns an id of the form
//
//	{protocol}_{epoch_ms}_{6 random chars}
//
// e.g. "https_1712345678901_k2x9qa". Uniqueness within a single process run
// is sufficient; ids are never persisted.
func GenerateServerID(protocol string) string {
	var buf [6]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; fall back to a
		// timestamp-derived suffix rather than panicking in an id helper.
		ns := time.Now().UnixNano()
		for i := range buf {
			buf[i] = byte(ns >> (8 * i))
		}
	}
	for i, b := range buf {
		buf[i] = serverIDAlphabet[int(b)%len(serverIDAlphabet)]
	}
	return fmt.Sprintf("%s_%d_%s", protocol, time.Now().UnixMilli(), buf[:])
}

// visit records an in-progress comparison of two references so that cyclic
// values terminate: when the same pair is met again deeper in the walk the
// pair is treated as equal.
type visit struct {
	a1  uintptr
	a2  uintptr
	typ reflect.Type
}

// DeepEqual reports whether a and b are deeply equal. It follows the same
// semantics as reflect.DeepEqual for the value kinds that appear in
// configuration snapshots and option bags (maps, slices, structs, pointers,
// scalars), and is safe on cyclic values: two references that meet inside
// the same recursion compare equal.
//
// A slice/array never equals a map, regardless of contents, and values of
// different dynamic types are unequal.
func DeepEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	v1 := reflect.ValueOf(a)
	v2 := reflect.ValueOf(b)
	if v1.Type() != v2.Type() {
		return false
	}
	return deepValueEqual(v1, v2, make(map[visit]bool))
}

func deepValueEqual(v1, v2 reflect.Value, visited map[visit]bool) bool {
	if !v1.IsValid() || !v2.IsValid() {
		return v1.IsValid() == v2.IsValid()
	}
	if v1.Type() != v2.Type() {
		return false
	}

	// Mark pointer-like pairs as in-progress before descending so that
	// cycles short-circuit to equal instead of recursing forever.
	switch v1.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if v1.IsNil() || v2.IsNil() {
			break
		}
		addr1, addr2 := v1.Pointer(), v2.Pointer()
		if addr1 > addr2 {
			addr1, addr2 = addr2, addr1
		}
		v := visit{addr1, addr2, v1.Type()}
		if visited[v] {
			return true
		}
		visited[v] = true
	}

	switch v1.Kind() {
	case reflect.Array:
		for i := 0; i < v1.Len(); i++ {
			if !deepValueEqual(v1.Index(i), v2.Index(i), visited) {
				return false
			}
		}
		return true
	case reflect.Slice:
		if v1.IsNil() != v2.IsNil() {
			return false
		}
		if v1.Len() != v2.Len() {
			return false
		}
		if v1.Pointer() == v2.Pointer() {
			return true
		}
		for i := 0; i < v1.Len(); i++ {
			if !deepValueEqual(v1.Index(i), v2.Index(i), visited) {
				return false
			}
		}
		return true
	case reflect.Interface:
		if v1.IsNil() || v2.IsNil() {
			return v1.IsNil() == v2.IsNil()
		}
		return deepValueEqual(v1.Elem(), v2.Elem(), visited)
	case reflect.Ptr:
		if v1.Pointer() == v2.Pointer() {
			return true
		}
		return deepValueEqual(v1.Elem(), v2.Elem(), visited)
	case reflect.Struct:
		for i := 0; i < v1.NumField(); i++ {
			if !deepValueEqual(v1.Field(i), v2.Field(i), visited) {
				return false
			}
		}
		return true
	case reflect.Map:
		if v1.IsNil() != v2.IsNil() {
			return false
		}
		if v1.Len() != v2.Len() {
			return false
		}
		if v1.Pointer() == v2.Pointer() {
			return true
		}
		for _, k := range v1.MapKeys() {
			val1 := v1.MapIndex(k)
			val2 := v2.MapIndex(k)
			if !val1.IsValid() || !val2.IsValid() || !deepValueEqual(val1, val2, visited) {
				return false
			}
		}
		return true
	case reflect.Func:
		// Functions are only equal when both are nil.
		return v1.IsNil() && v2.IsNil()
	case reflect.Bool:
		return v1.Bool() == v2.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v1.Int() == v2.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v1.Uint() == v2.Uint()
	case reflect.Float32, reflect.Float64:
		return v1.Float() == v2.Float()
	case reflect.Complex64, reflect.Complex128:
		return v1.Complex() == v2.Complex()
	case reflect.String:
		return v1.String() == v2.String()
	default:
		// Chan, UnsafePointer: identity comparison is the only sane answer.
		return v1.CanInterface() && v2.CanInterface() && v1.Interface() == v2.Interface()
	}
}
