// Package cmn provides common constants, types, and utilities shared by the
// cloud-sync daemon's components.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teris-io/shortid"
)

const (
	// NOTE: len(uuidABC) > 0x3f - see GenTie()
	uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"
)

var (
	sid  *shortid.Shortid
	rtie atomic.Int32
)

func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
}

// GenUUID generates unique and human-readable IDs (pass and upload tags).
func GenUUID() (uuid string) {
	var h, t string
	uuid = sid.MustGenerate()
	if !isAlpha(uuid[0]) {
		h = string(rune('A' + rand.Int()%26))
	}
	c := uuid[len(uuid)-1]
	if c == '-' || c == '_' {
		t = string(rune('a' + rand.Int()%26))
	}
	return h + uuid + t
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func GenTie() string {
	tie := rtie.Add(1)
	b0 := uuidABC[tie&0x3f]
	b1 := uuidABC[-tie&0x3f]
	b2 := uuidABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}

// SaveFileAtomic writes data to a temporary sibling and renames it into
// place; concurrent readers see either the old or the new document.
func SaveFileAtomic(path string, data []byte) (err error) {
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	tmp := path + ".tmp." + GenTie()
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()
	if _, err = file.Write(data); err != nil {
		file.Close()
		return
	}
	if err = file.Sync(); err != nil {
		file.Close()
		return
	}
	if err = file.Close(); err != nil {
		return
	}
	return os.Rename(tmp, path)
}

// native timestamps resolve to 10us (five decimal places)
const SwiftTimeResolution = 10 * time.Microsecond

// TruncateSwiftTime drops precision the native store cannot represent.
func TruncateSwiftTime(t time.Time) time.Time { return t.Truncate(SwiftTimeResolution) }

// ParseSwiftTimestamp parses the native store's fractional epoch timestamps
// (X-Timestamp and friends) exactly, without a float round-trip.
func ParseSwiftTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	intPart, frac, _ := strings.Cut(v, ".")
	sec, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		if nsec, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, err
		}
		for i := len(frac); i < 9; i++ {
			nsec *= 10
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}

// FormatSwiftTimestamp renders a time the way the native store expects it.
func FormatSwiftTimestamp(t time.Time) string {
	t = TruncateSwiftTime(t)
	return fmt.Sprintf("%d.%05d", t.Unix(), t.Nanosecond()/int(SwiftTimeResolution))
}

// ParseListingTime parses last-modified values found in container listings.
func ParseListingTime(v string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999",
		time.RFC3339Nano,
		time.RFC1123,
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, NewValidationError("unparseable last-modified %q", v)
}
