package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Client mirrors mark photos to a Cloudinary folder over the upload API.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	BaseURL   string
	HTTP      *http.Client
	now       func() time.Time
}

// New creates a Cloudinary client.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		BaseURL:   "https://api.cloudinary.com",
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}
}

// Asset is one photo to mirror. PublicID is stable per mark so a replaced
// photo overwrites the previous asset.
type Asset struct {
	PublicID string
	Data     []byte
	Tags     []string
	Context  map[string]string
}

// UploadResult is the part of the upload response the mirror keeps.
type UploadResult struct {
	PublicID  string   `json:"public_id"`
	SecureURL string   `json:"secure_url"`
	Version   int64    `json:"version"`
	Bytes     int      `json:"bytes"`
	Tags      []string `json:"tags"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Upload sends a as a signed multipart upload.
func (c *Client) Upload(ctx context.Context, a Asset) (*UploadResult, error) {
	if len(a.Data) == 0 {
		return nil, fmt.Errorf("cloudinary: asset %q has no data", a.PublicID)
	}
	form := c.params(a)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, k := range sortedKeys(form) {
		if err := w.WriteField(k, form.Get(k)); err != nil {
			return nil, fmt.Errorf("cloudinary: write %s: %w", k, err)
		}
	}
	name := a.PublicID
	if name == "" {
		name = "photo"
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: create form file: %w", err)
	}
	if _, err := part.Write(a.Data); err != nil {
		return nil, fmt.Errorf("cloudinary: write file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("cloudinary: close form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1_1/%s/image/upload", strings.TrimRight(c.BaseURL, "/"), c.CloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: upload %s: %w", a.PublicID, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
			return nil, fmt.Errorf("cloudinary: upload %s rejected (%d): %s", a.PublicID, resp.StatusCode, ae.Error.Message)
		}
		return nil, fmt.Errorf("cloudinary: upload %s rejected (%d): %s", a.PublicID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out UploadResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("cloudinary: decode response: %w", err)
	}
	if out.SecureURL == "" {
		return nil, fmt.Errorf("cloudinary: upload %s returned no secure_url", a.PublicID)
	}
	return &out, nil
}

// params builds the signed form fields for a.
func (c *Client) params(a Asset) url.Values {
	v := url.Values{}
	v.Set("timestamp", strconv.FormatInt(c.clock().Unix(), 10))
	if c.Folder != "" {
		v.Set("folder", c.Folder)
	}
	if a.PublicID != "" {
		v.Set("public_id", a.PublicID)
		v.Set("overwrite", "true")
		v.Set("invalidate", "true")
	}
	if len(a.Tags) > 0 {
		v.Set("tags", strings.Join(a.Tags, ","))
	}
	if len(a.Context) > 0 {
		v.Set("context", encodeContext(a.Context))
	}
	v.Set("signature", c.signature(v))
	v.Set("api_key", c.APIKey)
	return v
}

// signature is the hex sha1 of the sorted, unescaped k=v pairs joined by &
// with the secret appended. Empty values and unsigned fields are skipped.
func (c *Client) signature(v url.Values) string {
	var sb strings.Builder
	for _, k := range sortedKeys(v) {
		switch k {
		case "api_key", "file", "resource_type", "signature":
			continue
		}
		val := v.Get(k)
		if val == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k + "=" + val)
	}
	sum := sha1.Sum([]byte(sb.String() + c.APISecret))
	return hex.EncodeToString(sum[:])
}

// encodeContext renders key=value pairs separated by |, escaping both.
func encodeContext(ctx map[string]string) string {
	esc := strings.NewReplacer(`|`, `\|`, `=`, `\=`)
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, esc.Replace(k)+"="+esc.Replace(ctx[k]))
	}
	return strings.Join(pairs, "|")
}

func sortedKeys(v url.Values) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Client) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
