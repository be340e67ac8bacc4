package proxy

import (
	"html/template"
	"net/http"
	"time"

	"github.com/yori-gw/yori/internal/enforcement"
)

// defaultMessages maps policy names to friendlier explanations shown on the
// block page.
var defaultMessages = map[string]string{
	"bedtime":        "LLM access is restricted after bedtime. Please try again tomorrow morning.",
	"privacy":        "This request may contain sensitive information. Please review your prompt.",
	"rate_limit":     "You've exceeded your request limit. Please wait before trying again.",
	"content_filter": "Your request was flagged by content filters. Please modify your prompt.",
}

// blockPageTmpl renders via html/template, so policy names and reasons from
// configuration or verdicts are always escaped.
var blockPageTmpl = template.Must(template.New("block").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Request Blocked</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; background: #f5f6f8; margin: 0; }
.card { max-width: 480px; margin: 10vh auto; background: #fff; border-radius: 12px;
        padding: 32px; box-shadow: 0 2px 12px rgba(0,0,0,.08); }
h1 { font-size: 1.3rem; margin: 0 0 8px; color: #c0392b; }
p { color: #444; line-height: 1.5; }
dl { font-size: .85rem; color: #666; }
dt { font-weight: 600; float: left; clear: left; width: 7em; }
dd { margin: 0 0 4px 7.5em; }
form { margin-top: 20px; padding-top: 16px; border-top: 1px solid #eee; }
input[type=password] { padding: 8px; width: 60%; border: 1px solid #ccc; border-radius: 6px; }
button { padding: 8px 16px; border: 0; border-radius: 6px; background: #2c3e50; color: #fff; cursor: pointer; }
.error { color: #c0392b; font-size: .85rem; }
</style>
</head>
<body>
<div class="card">
<h1>Request Blocked</h1>
{{if .Message}}<p>{{.Message}}</p>{{end}}
<dl>
<dt>Policy</dt><dd>{{.PolicyName}}</dd>
<dt>Reason</dt><dd>{{.Reason}}</dd>
<dt>Time</dt><dd>{{.Timestamp}}</dd>
<dt>Request ID</dt><dd>{{.RequestID}}</dd>
</dl>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
{{if .AllowOverride}}
<form method="POST" action="/yori/override">
<input type="hidden" name="request_id" value="{{.RequestID}}">
<input type="hidden" name="policy" value="{{.PolicyName}}">
<input type="password" name="password" placeholder="Parent password" autocomplete="off">
<button type="submit">Override</button>
</form>
{{end}}
</div>
</body>
</html>
`))

// blockPageData is the template input.
type blockPageData struct {
	PolicyName    string
	Reason        string
	Message       string
	Timestamp     string
	RequestID     string
	AllowOverride bool
	Error         string
}

// WriteBlockPage renders the 403 block page for a blocking decision. The
// per-policy message comes from configuration when set, otherwise from the
// built-in defaults.
func WriteBlockPage(w http.ResponseWriter, d enforcement.Decision, customMessage string) {
	name := enforcement.TrimPolicyName(d.PolicyName)
	msg := customMessage
	if msg == "" {
		msg = defaultMessages[name]
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusForbidden)
	blockPageTmpl.Execute(w, blockPageData{
		PolicyName:    name,
		Reason:        d.Reason,
		Message:       msg,
		Timestamp:     d.Timestamp.Format(time.DateTime),
		RequestID:     d.RequestID,
		AllowOverride: d.AllowOverride,
	})
}
