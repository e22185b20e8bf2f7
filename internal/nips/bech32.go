package nips

import (
	"encoding/hex"
	"errors"
	"strings"
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// LNURLs routinely exceed the 90 character limit of BIP-173.
const bech32MaxLen = 2000

var (
	ErrBech32Checksum = errors.New("bech32: invalid checksum")
	ErrBech32Format   = errors.New("bech32: malformed string")
)

// Bech32Decode decodes a bech32 string into its HRP and 5-bit data (checksum stripped).
func Bech32Decode(bech string) (string, []byte, error) {
	if len(bech) < 8 || len(bech) > bech32MaxLen {
		return "", nil, ErrBech32Format
	}
	if strings.ToLower(bech) != bech && strings.ToUpper(bech) != bech {
		return "", nil, ErrBech32Format
	}
	bech = strings.ToLower(bech)

	pos := strings.LastIndex(bech, "1")
	if pos < 1 || pos+7 > len(bech) {
		return "", nil, ErrBech32Format
	}

	hrp := bech[:pos]
	values := make([]byte, 0, len(bech)-pos-1)
	for _, c := range bech[pos+1:] {
		idx := strings.IndexRune(bech32Charset, c)
		if idx == -1 {
			return "", nil, ErrBech32Format
		}
		values = append(values, byte(idx))
	}

	if !bech32VerifyChecksum(hrp, values) {
		return "", nil, ErrBech32Checksum
	}
	return hrp, values[:len(values)-6], nil
}

// Bech32Encode encodes 5-bit data with the given HRP.
func Bech32Encode(hrp string, data []byte) (string, error) {
	for _, v := range data {
		if v > 31 {
			return "", ErrBech32Format
		}
	}
	combined := append(append([]byte{}, data...), bech32CreateChecksum(hrp, data)...)

	var b strings.Builder
	b.Grow(len(hrp) + 1 + len(combined))
	b.WriteString(hrp)
	b.WriteByte('1')
	for _, v := range combined {
		b.WriteByte(bech32Charset[v])
	}
	return b.String(), nil
}

// Bech32ConvertBits regroups a byte slice between bit widths.
func Bech32ConvertBits(data []byte, fromBits, toBits int, pad bool) ([]byte, error) {
	acc := 0
	bits := 0
	var ret []byte
	maxv := (1 << toBits) - 1

	for _, value := range data {
		if int(value)>>fromBits != 0 {
			return nil, errors.New("bech32: value out of range")
		}
		acc = (acc << fromBits) | int(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			ret = append(ret, byte((acc>>bits)&maxv))
		}
	}

	if pad {
		if bits > 0 {
			ret = append(ret, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, errors.New("bech32: invalid padding")
	}

	return ret, nil
}

// DecodeLNURL turns an lnurl1... string (LUD-06) into the URL it wraps.
func DecodeLNURL(lnurl string) (string, error) {
	hrp, data, err := Bech32Decode(strings.TrimPrefix(strings.ToLower(lnurl), "lightning:"))
	if err != nil {
		return "", err
	}
	if hrp != "lnurl" {
		return "", errors.New("lnurl: unexpected hrp " + hrp)
	}
	raw, err := Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// EncodeLNURL wraps a URL as an lnurl1... string.
func EncodeLNURL(rawURL string) (string, error) {
	data, err := Bech32ConvertBits([]byte(rawURL), 8, 5, true)
	if err != nil {
		return "", err
	}
	return Bech32Encode("lnurl", data)
}

// NormalizePubkey accepts a hex or npub encoded public key and returns lowercase hex.
func NormalizePubkey(pubkey string) (string, error) {
	if strings.HasPrefix(pubkey, "npub1") {
		hrp, data, err := Bech32Decode(pubkey)
		if err != nil {
			return "", err
		}
		if hrp != "npub" {
			return "", ErrBech32Format
		}
		raw, err := Bech32ConvertBits(data, 5, 8, false)
		if err != nil {
			return "", err
		}
		if len(raw) != 32 {
			return "", errors.New("invalid pubkey length")
		}
		return hex.EncodeToString(raw), nil
	}

	raw, err := hex.DecodeString(pubkey)
	if err != nil || len(raw) != 32 {
		return "", errors.New("invalid pubkey")
	}
	return strings.ToLower(pubkey), nil
}

// EncodePubkey encodes a hex pubkey to npub format.
func EncodePubkey(hexPubkey string) (string, error) {
	raw, err := hex.DecodeString(hexPubkey)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", errors.New("invalid pubkey length")
	}
	data, err := Bech32ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return Bech32Encode("npub", data)
}

func bech32Polymod(values []int) int {
	gen := []int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>i)&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HrpExpand(hrp string) []int {
	ret := make([]int, 0, len(hrp)*2+1)
	for _, c := range hrp {
		ret = append(ret, int(c>>5))
	}
	ret = append(ret, 0)
	for _, c := range hrp {
		ret = append(ret, int(c&31))
	}
	return ret
}

func bech32VerifyChecksum(hrp string, data []byte) bool {
	values := bech32HrpExpand(hrp)
	for _, d := range data {
		values = append(values, int(d))
	}
	return bech32Polymod(values) == 1
}

func bech32CreateChecksum(hrp string, data []byte) []byte {
	values := bech32HrpExpand(hrp)
	for _, d := range data {
		values = append(values, int(d))
	}
	values = append(values, 0, 0, 0, 0, 0, 0)
	polymod := bech32Polymod(values) ^ 1
	checksum := make([]byte, 6)
	for i := 0; i < 6; i++ {
		checksum[i] = byte((polymod >> (5 * (5 - i))) & 31)
	}
	return checksum
}
