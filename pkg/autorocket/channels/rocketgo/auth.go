package rocketgo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/channels"
)

// CaptchaRecognizer solves the login captcha image.
type CaptchaRecognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// OCRRecognizer solves captchas through an external OCR HTTP service that
// accepts a base64-encoded image and returns the recognized text.
type OCRRecognizer struct {
	URL  string
	HTTP *http.Client
}

// NewOCRRecognizer creates a recognizer backed by the given OCR endpoint.
func NewOCRRecognizer(endpoint string) *OCRRecognizer {
	return &OCRRecognizer{
		URL:  endpoint,
		HTTP: &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *OCRRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return "", fmt.Errorf("encoding captcha request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling OCR service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OCR service returned status %d", resp.StatusCode)
	}

	var out struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding OCR response: %w", err)
	}
	if out.Result == "" {
		return "", fmt.Errorf("OCR service returned empty result")
	}
	return strings.TrimSpace(out.Result), nil
}

// Login performs the captcha-assisted credential login and stores the bearer
// token on the client. The captcha is fetched and solved fresh on each
// attempt; only captcha rejections are retried. A login the panel rejects
// yields channels.ErrAuthFailed; transport and OCR failures yield
// channels.ErrConnectionFailed so callers can tell a bad password from an
// unreachable panel.
func (c *apiClient) Login(ctx context.Context, username, password string, recognizer CaptchaRecognizer, attempts int) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		token, err := c.loginOnce(ctx, username, password, recognizer)
		if err == nil {
			c.setToken(token)
			return nil
		}
		lastErr = err
		if !isCaptchaError(err) {
			// Bad credentials or transport failure: retrying with a new
			// captcha cannot help.
			break
		}
	}

	var rejected *loginError
	if errors.As(lastErr, &rejected) {
		return fmt.Errorf("%w: %v", channels.ErrAuthFailed, lastErr)
	}
	return fmt.Errorf("%w: %v", channels.ErrConnectionFailed, lastErr)
}

func (c *apiClient) loginOnce(ctx context.Context, username, password string, recognizer CaptchaRecognizer) (string, error) {
	var captcha struct {
		apiEnvelope
		UUID string `json:"uuid"`
		Img  string `json:"img"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/captchaImage", nil, nil, &captcha); err != nil {
		return "", err
	}
	if !captcha.ok() {
		return "", fmt.Errorf("captchaImage: %s (code %d)", captcha.Msg, captcha.Code)
	}

	image, err := base64.StdEncoding.DecodeString(captcha.Img)
	if err != nil {
		return "", fmt.Errorf("decoding captcha image: %w", err)
	}

	code, err := recognizer.Recognize(ctx, image)
	if err != nil {
		return "", fmt.Errorf("recognizing captcha: %w", err)
	}

	var login struct {
		apiEnvelope
		Token string `json:"token"`
	}
	body := map[string]string{
		"username":       username,
		"password":       password,
		"code":           code,
		"uuid":           captcha.UUID,
		"googleAuthCode": "",
	}
	if err := c.doJSON(ctx, http.MethodPost, "/login", nil, body, &login); err != nil {
		return "", err
	}
	if !login.ok() || login.Token == "" {
		return "", &loginError{msg: login.Msg, code: login.Code}
	}
	return login.Token, nil
}

// loginError distinguishes a rejected login from transport failures so the
// retry loop can decide whether a fresh captcha is worth trying.
type loginError struct {
	msg  string
	code int
}

func (e *loginError) Error() string {
	return fmt.Sprintf("login rejected: %s (code %d)", e.msg, e.code)
}

// isCaptchaError reports whether the rejection mentions the captcha, which
// means the credentials may be fine and a new captcha attempt can succeed.
func isCaptchaError(err error) bool {
	var le *loginError
	if !errors.As(err, &le) {
		return false
	}
	msg := strings.ToLower(le.msg)
	return strings.Contains(msg, "captcha") ||
		strings.Contains(msg, "验证码")
}
