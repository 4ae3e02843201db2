package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"percent": func(f float64) string {
		return fmt.Sprintf("%.0f%%", f*100)
	},
	"stateClass": func(s string) string {
		switch s {
		case "VERIFIED":
			return "connected"
		case "CONNECTED", "CONNECTING":
			return "pending"
		}
		return "disconnected"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>EOL Tester</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.pass { color: green; font-weight: bold; }
.fail { color: red; font-weight: bold; }
.connected { color: green; }
.pending { color: orange; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; background: orange; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
</style>
</head>
<body>
<h1>EOL Tester ({{.Config.Variant}})<span id="live-dot" class="live-dot" title="connecting"></span></h1>

<h2>Devices</h2>
<table>
{{range .Devices}}<tr><th>{{.Name}}</th><td class="{{stateClass .State}}">{{.State}}{{if .Attempt}} ({{.Attempt}}/{{.Max}}){{end}}{{if .Degraded}} degraded{{end}}</td><td>{{.Port}}</td><td>{{.Version}}</td></tr>
{{end}}</table>

<h2>Session</h2>
<table id="session">
{{if .Session}}<tr><th>Phase</th><td>{{.Session.Phase}}</td></tr>
<tr><th>Progress</th><td>{{percent .Session.Progress}}</td></tr>
<tr><th>Channel</th><td>{{.Session.Current}}</td></tr>
{{else}}<tr><th>Phase</th><td>idle</td></tr>{{end}}
</table>
<p><button onclick="post('/api/detect')">Start</button> <button onclick="post('/api/detect/cancel')">Cancel</button></p>

<h2>Last Verdict</h2>
<table>
{{with .LastVerdict}}<tr><th>Outcome</th><td class="{{if .Passed}}pass{{else}}fail{{end}}">{{.Outcome}}{{if .Passed}} PASS{{else}} FAIL{{end}}</td></tr>
{{if .Detail}}<tr><th>Detail</th><td>{{.Detail}}</td></tr>{{end}}
{{range $cat, $labels := .Buckets}}{{if $labels}}<tr><th>{{$cat}}</th><td>{{range $i, $l := $labels}}{{if $i}}, {{end}}{{$l}}{{end}}</td></tr>{{end}}{{end}}
{{else}}<tr><th>Outcome</th><td>none yet</td></tr>{{end}}
</table>

<h2>Totals</h2>
<table>
<tr><th>Passed</th><td>{{.Totals.Passed}}</td></tr>
<tr><th>Failed</th><td>{{.Totals.Failed}}</td></tr>
<tr><th>Aborted</th><td>{{.Totals.Aborted}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}} {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
<tr><th>Store</th><td>{{.Config.Store}}</td></tr>
<tr><th>Outputs</th><td>{{if .Config.RunOutputs}}driven{{else}}skipped{{end}}</td></tr>
<tr><th>Slow debug</th><td>{{if .Config.SlowDebug}}on{{else}}off{{end}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> <a href="/api/thresholds">Thresholds</a> <a href="/api/debug">Debug</a></p>
<script>
function post(url) { fetch(url, { method: "POST" }); }
(function() {
  var dot = document.getElementById("live-dot");
  var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
  ws.onopen = function() { dot.className = "live-dot ok"; dot.title = "live"; };
  ws.onclose = function() { dot.className = "live-dot err"; dot.title = "offline"; };
  ws.onmessage = function(ev) {
    try {
      var msg = JSON.parse(ev.data);
      if (msg.type === "verdict" || msg.type === "device") { location.reload(); }
      if (msg.type === "progress") {
        var p = msg.data;
        document.getElementById("session").innerHTML =
          "<tr><th>Phase</th><td>" + p.phase + "</td></tr>" +
          "<tr><th>Progress</th><td>" + Math.round(p.progress * 100) + "%</td></tr>" +
          "<tr><th>Channel</th><td>" + (p.current ? p.current.label : "") + "</td></tr>";
      }
    } catch (e) {}
  };
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime      time.Duration
		LastVerdict *verdictView
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	if snap.LastVerdict != nil {
		data.LastVerdict = newVerdictView(*snap.LastVerdict)
	}
	return indexTmpl.Execute(w, data)
}

type verdictView struct {
	Outcome logic.Outcome
	Passed  bool
	Detail  string
	Buckets map[string][]string
}

func newVerdictView(v logic.Verdict) *verdictView {
	out := &verdictView{Outcome: v.Outcome, Passed: v.Passed, Detail: v.Detail, Buckets: map[string][]string{}}
	for c, labels := range v.Buckets {
		out.Buckets[string(c)] = labels
	}
	return out
}
