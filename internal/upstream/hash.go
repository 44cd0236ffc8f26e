package upstream

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// ErrUnsupportedDigest 表示摘要格式或算法无法识别。
var ErrUnsupportedDigest = errors.New("unsupported digest")

// Digest 是期望的内容摘要，Hex 统一为小写。
type Digest struct {
	Algorithm string
	Hex       string
}

var digestSizes = map[string]int{
	"sha1":   sha1.Size,
	"sha256": sha256.Size,
	"sha512": sha512.Size,
}

// ParseDigest 接受 "sha256:<hex>" 形式，或按长度推断算法的裸十六进制串。
func ParseDigest(raw string) (Digest, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return Digest{}, fmt.Errorf("%w: empty", ErrUnsupportedDigest)
	}

	algorithm, sum, found := strings.Cut(value, ":")
	if !found {
		sum = value
		algorithm = ""
		for name, size := range digestSizes {
			if len(sum) == size*2 {
				algorithm = name
				break
			}
		}
		if algorithm == "" {
			return Digest{}, fmt.Errorf("%w: cannot infer algorithm from %d hex chars", ErrUnsupportedDigest, len(sum))
		}
	}

	size, ok := digestSizes[algorithm]
	if !ok {
		return Digest{}, fmt.Errorf("%w: algorithm %q", ErrUnsupportedDigest, algorithm)
	}
	if len(sum) != size*2 {
		return Digest{}, fmt.Errorf("%w: %s expects %d hex chars", ErrUnsupportedDigest, algorithm, size*2)
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrUnsupportedDigest, err)
	}
	return Digest{Algorithm: algorithm, Hex: sum}, nil
}

func (d Digest) String() string {
	return d.Algorithm + ":" + d.Hex
}

// Matches 比较实际摘要（十六进制）与期望值。
func (d Digest) Matches(actual string) bool {
	return strings.EqualFold(d.Hex, actual)
}

// HashFile 以指定算法计算文件内容摘要，返回小写十六进制。
func HashFile(path, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: algorithm %q", ErrUnsupportedDigest, algorithm)
	}
}
