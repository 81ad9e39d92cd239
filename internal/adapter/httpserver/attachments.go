package httpserver

import (
	"encoding/base64"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// flattenContentParts walks an OpenAI content-part array, joining text parts
// and converting media parts into attachment records
// {filename, content_type?, url?, data?, text?}.
func flattenContentParts(parts []any) (string, []map[string]any) {
	var textParts []string
	var attachments []map[string]any

	add := func(att map[string]any, defaultPrefix string) {
		if len(att) == 0 {
			return
		}
		if _, ok := att["content_type"]; !ok && defaultPrefix == "image" {
			if data, _ := att["data"].(string); data != "" {
				att["content_type"] = sniffContentType(data, "image/png")
			}
		}
		ensureFilename(att, defaultPrefix)
		attachments = append(attachments, att)
	}

	for _, item := range parts {
		switch v := item.(type) {
		case string:
			textParts = append(textParts, v)
		case map[string]any:
			switch itemType, _ := v["type"].(string); {
			case itemType == "text":
				if t, ok := v["text"].(string); ok {
					textParts = append(textParts, t)
				}
			case itemType == "image_url":
				if att := imageURLAttachment(v); att != nil {
					add(att, "image")
				}
			case itemType == "input_image":
				add(inputImageAttachment(v), "image")
			case strings.HasPrefix(itemType, "input_"):
				add(inputFileAttachment(v), "attachment")
			default:
				if t, ok := v["text"].(string); ok {
					textParts = append(textParts, t)
				}
			}
		}
	}
	return strings.Join(textParts, "\n"), attachments
}

func imageURLAttachment(item map[string]any) map[string]any {
	var urlValue string
	switch iu := item["image_url"].(type) {
	case map[string]any:
		urlValue, _ = iu["url"].(string)
	case string:
		urlValue = iu
	}
	if urlValue == "" {
		urlValue, _ = item["url"].(string)
	}
	if urlValue == "" {
		return nil
	}
	att := map[string]any{"url": urlValue}
	if mimeType, data, ok := parseDataURL(urlValue); ok {
		if mimeType != "" {
			att["content_type"] = mimeType
		}
		if data != "" {
			att["data"] = data
		}
	}
	return att
}

func inputImageAttachment(item map[string]any) map[string]any {
	att := map[string]any{}
	if f, ok := item["filename"].(string); ok {
		att["filename"] = f
	}
	for _, key := range []string{"media_type", "content_type", "mime_type"} {
		if mt, ok := item[key].(string); ok {
			att["content_type"] = mt
			break
		}
	}
	if payload, ok := item["image"].(map[string]any); ok {
		for _, key := range []string{"data", "base64_data", "image_base64"} {
			if d, ok := payload[key].(string); ok {
				att["data"] = d
				break
			}
		}
		if _, ok := att["content_type"]; !ok {
			for _, key := range []string{"mime_type", "content_type"} {
				if mt, ok := payload[key].(string); ok {
					att["content_type"] = mt
					break
				}
			}
		}
	}
	if _, ok := att["data"]; !ok {
		for _, key := range []string{"data", "base64_data", "image_base64"} {
			if d, ok := item[key].(string); ok {
				att["data"] = d
				break
			}
		}
	}
	urlValue := item["image_url"]
	if urlValue == nil {
		urlValue = item["url"]
	}
	if m, ok := urlValue.(map[string]any); ok {
		urlValue = m["url"]
	}
	if u, ok := urlValue.(string); ok && u != "" {
		att["url"] = u
		if mimeType, data, ok := parseDataURL(u); ok {
			if _, has := att["content_type"]; !has && mimeType != "" {
				att["content_type"] = mimeType
			}
			if _, has := att["data"]; !has && data != "" {
				att["data"] = data
			}
		}
	}
	if len(att) == 0 {
		return nil
	}
	return att
}

func inputFileAttachment(item map[string]any) map[string]any {
	att := map[string]any{}
	if f, ok := item["filename"].(string); ok {
		att["filename"] = f
	}
	for _, key := range []string{"media_type", "content_type"} {
		if mt, ok := item[key].(string); ok {
			att["content_type"] = mt
			break
		}
	}
	for _, key := range []string{"data", "base64_data"} {
		if d, ok := item[key].(string); ok {
			att["data"] = d
			break
		}
	}
	if t, ok := item["text"].(string); ok {
		att["text"] = t
	}
	if u, ok := item["url"].(string); ok {
		att["url"] = u
	}
	if len(att) == 0 {
		return nil
	}
	return att
}

// parseDataURL splits a base64 data URL into its mime type and payload.
// Non-base64 data URLs and plain URLs report ok=false.
func parseDataURL(u string) (mimeType, data string, ok bool) {
	if !strings.HasPrefix(u, "data:") {
		return "", "", false
	}
	header, payload, found := strings.Cut(u, ",")
	if !found {
		return "", "", false
	}
	meta := header[len("data:"):]
	parts := strings.Split(meta, ";")
	isBase64 := false
	for _, p := range parts[1:] {
		if strings.TrimSpace(p) == "base64" {
			isBase64 = true
		}
	}
	if !isBase64 {
		return "", "", false
	}
	if len(parts) > 0 {
		mimeType = strings.TrimSpace(parts[0])
	}
	return mimeType, strings.TrimSpace(payload), true
}

// sniffContentType decodes a base64 payload prefix and detects its mime type,
// falling back when decoding or detection fails.
func sniffContentType(b64 string, fallback string) string {
	sample := b64
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	sample = strings.TrimRight(sample, "=")
	sample = sample[:len(sample)-len(sample)%4]
	decoded, err := base64.StdEncoding.WithPadding(base64.NoPadding).DecodeString(sample)
	if err != nil || len(decoded) == 0 {
		return fallback
	}
	mt := mimetype.Detect(decoded)
	if mt == nil {
		return fallback
	}
	return mt.String()
}

// guessExtension maps a content type or URL path to a file extension.
func guessExtension(contentType, rawURL string) string {
	if contentType != "" {
		base := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
		if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
			return exts[0]
		}
		if mt := mimetype.Lookup(base); mt != nil && mt.Extension() != "" {
			return mt.Extension()
		}
	}
	if rawURL != "" {
		if parsed, err := url.Parse(rawURL); err == nil {
			if ext := path.Ext(parsed.Path); ext != "" {
				return ext
			}
		}
	}
	return ""
}

// ensureFilename fills in a generated filename when the record has none.
func ensureFilename(att map[string]any, defaultPrefix string) {
	if f, ok := att["filename"].(string); ok && f != "" {
		return
	}
	contentType, _ := att["content_type"].(string)
	rawURL, _ := att["url"].(string)
	ext := guessExtension(contentType, rawURL)
	if ext == "" {
		ext = ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	att["filename"] = defaultPrefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "") + ext
}
