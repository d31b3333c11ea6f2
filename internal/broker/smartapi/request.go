package smartapi

import (
	"bytes"
	"context"
	"copybot/internal/broker"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var authCodes = map[string]bool{
	"AG8001": true,
	"AG8002": true,
	"AG8003": true,
	"AB1007": true,
	"AB1050": true,
}

func (p *Provider) doRequest(ctx context.Context, method, path, apiKey, token string, body any, out envelope) error {
	op := strings.TrimPrefix(path[strings.LastIndex(path, "/"):], "/")

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("Не удалось подготовить тело запроса: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("Не удалось создать запрос: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", p.localIP)
	req.Header.Set("X-ClientPublicIP", p.publicIP)
	req.Header.Set("X-MACAddress", p.mac)
	req.Header.Set("X-PrivateKey", apiKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &broker.Error{Kind: broker.KindNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &broker.Error{Kind: broker.KindNetwork, Op: op, Message: "Не удалось прочитать ответ", Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &broker.Error{Kind: broker.KindRateLimited, Op: op, Message: strings.TrimSpace(string(data))}
	}

	if err := json.Unmarshal(data, out); err != nil {
		text := strings.TrimSpace(string(data))
		kind := broker.Classify(fmt.Errorf("%s", text))
		if kind == broker.KindUnknown {
			kind = statusKind(resp.StatusCode)
		}
		if text == "" {
			text = resp.Status
		}
		return &broker.Error{Kind: kind, Op: op, Message: text}
	}

	ok, msg, code := out.outcome()
	if ok && resp.StatusCode < 400 {
		return nil
	}
	if msg == "" {
		msg = resp.Status
	}
	return &broker.Error{Kind: errorKind(resp.StatusCode, code, msg), Op: op, Code: code, Message: msg}
}

// errorKind trusts the status and the broker code first. Free-text 429 only counts when no code came back.
func errorKind(status int, code, msg string) broker.Kind {
	switch {
	case authCodes[code]:
		return broker.KindAuth
	case status == http.StatusTooManyRequests || broker.IsRateLimitMessage(msg):
		return broker.KindRateLimited
	case code == "" && broker.Classify(errors.New(msg)) == broker.KindRateLimited:
		return broker.KindRateLimited
	}
	if kind := statusKind(status); kind != broker.KindUnknown {
		return kind
	}
	return broker.KindRejected
}

func statusKind(status int) broker.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return broker.KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return broker.KindAuth
	case status >= 500:
		return broker.KindNetwork
	case status >= 400:
		return broker.KindRejected
	}
	return broker.KindUnknown
}
