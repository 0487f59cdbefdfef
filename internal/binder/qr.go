package binder

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
)

const defaultQRSize = 512

// QRPayload appends the badge token to the scanner base URL as ?token=.
func QRPayload(baseURL, token string) string {
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return baseURL + sep + "token=" + url.QueryEscape(token)
}

// encodeQR 以最高纠错等级（约 30% 容错）生成 PNG，保证轻微污损的打印件仍可扫描。
func encodeQR(payload string, size int) (Asset, error) {
	if size <= 0 {
		size = defaultQRSize
	}
	png, err := qrcode.Encode(payload, qrcode.Highest, size)
	if err != nil {
		return Asset{}, fmt.Errorf("encode qr: %w", err)
	}
	return Asset{Data: png, ContentType: "image/png"}, nil
}
