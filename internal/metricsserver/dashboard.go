package metricsserver

const dashboardTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>mysqlping pool status</title>
<style>
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:#0f1117;color:#e1e4e8;margin:0;padding:32px}
.card{background:#161b22;border:1px solid #30363d;border-radius:8px;padding:24px;max-width:420px}
h1{font-size:18px;margin:0 0 16px}
dl{display:grid;grid-template-columns:auto 1fr;gap:6px 16px;margin:0}
dt{color:#8b949e}
dd{margin:0;font-variant-numeric:tabular-nums}
a{color:#58a6ff}
</style>
</head>
<body>
<div class="card">
<h1>mysqlping pool status</h1>
<dl>
<dt>idle connections</dt><dd>%d</dd>
<dt>uptime</dt><dd>%ds</dd>
</dl>
</div>
<p><a href="/metrics">/metrics</a> &middot; <a href="/status">/status</a> &middot; <a href="/healthz">/healthz</a></p>
</body>
</html>
`
