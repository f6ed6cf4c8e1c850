package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// signContent строит каноническую строку подписи: пары key=value без пустых
// ключей и значений, отсортированные по байтам ключа и соединённые через «&».
// Подписывающая и проверяющая стороны обязаны воспроизводить её байт в байт.
func signContent(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return strings.Join(pairs, "&")
}

// Sign подписывает параметры приватным ключом: SHA256WithRSA (PKCS#1 v1.5),
// результат в стандартном Base64.
func Sign(params map[string]string, privateKey string) (string, error) {
	key, err := ParsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(signContent(params)))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("rsa sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// Verify проверяет подпись параметров публичным ключом. Поле sign исключается
// из канонической строки до проверки. Криптографическое несовпадение — это
// (false, nil); ошибка возвращается только при негодном ключе или Base64.
func Verify(params map[string]string, signature, publicKey string) (bool, error) {
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return false, err
	}

	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("decode signature base64: %w", err)
	}

	base := make(map[string]string, len(params))
	for k, v := range params {
		if k == "sign" {
			continue
		}
		base[k] = v
	}

	digest := sha256.Sum256([]byte(signContent(base)))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], raw); err != nil {
		return false, nil
	}
	return true, nil
}

// VerifyCallback проверяет подпись параметров колбэка шлюза: поле sign
// извлекается из самих параметров, его отсутствие — отказ.
func VerifyCallback(params map[string]string, publicKey string) (bool, error) {
	signature, ok := params["sign"]
	if !ok || signature == "" {
		return false, nil
	}
	return Verify(params, signature, publicKey)
}

// percentEncode кодирует все зарезервированные символы, пробел — как %20,
// а не «+»: именно такую форму восстанавливает проверяющая сторона шлюза.
func percentEncode(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}

// doubleEncode кодирует значение percent-encoding дважды подряд: так требует
// страничный сервис шлюза, который восстанавливает исходные значения на своей
// стороне перед проверкой подписи.
func doubleEncode(value string) string {
	return percentEncode(percentEncode(value))
}

// BuildPageURL строит подписанный URL страничного сервиса шлюза.
// nonceStr, timeStamp и charset добавляются только если вызывающая сторона их
// не передала. Пары сортируются по ключу, каждое значение кодируется дважды,
// sign всегда идёт последним параметром.
func BuildPageURL(baseURL, path string, params map[string]string, privateKey string) (string, error) {
	augmented := make(map[string]string, len(params)+3)
	for k, v := range params {
		augmented[k] = v
	}
	if augmented["nonceStr"] == "" {
		augmented["nonceStr"] = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if augmented["timeStamp"] == "" {
		augmented["timeStamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	if augmented["charset"] == "" {
		augmented["charset"] = "utf-8"
	}

	signature, err := Sign(augmented, privateKey)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(augmented))
	for k, v := range augmented {
		if k == "" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, k+"="+doubleEncode(augmented[k]))
	}
	parts = append(parts, "sign="+doubleEncode(signature))

	return strings.TrimRight(baseURL, "/") + path + "?" + strings.Join(parts, "&"), nil
}
