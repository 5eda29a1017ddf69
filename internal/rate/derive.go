package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// DeriveKeyFromProviderOptions 从后端类型与其原样 Options JSON 中取出 API Key，
// 返回 client+sha256(key) 形式的限流分组键；共享同一 key 的 provider 共享额度。
// 仅识别 "api_key" 与 "api_key_env"；无需鉴权的后端（mock/flaky/本地 libretranslate）退化为按 client 分组。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var obj map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("rate: options of %s: %w", client, err)
		}
	}
	pick := func(key string) string {
		if s, ok := obj[key].(string); ok {
			return s
		}
		return ""
	}
	key := pick("api_key")
	if key == "" {
		if env := pick("api_key_env"); env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" {
		switch client {
		case "mock", "flaky", "libretranslate":
			return LimitKey(client), nil
		}
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:8])), nil
}
