package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Payguard</title>
    <meta name="description" content="Settlement exposure monitor">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }

        :root {
            --bg: #09090b;
            --bg-subtle: #18181b;
            --border: #27272a;
            --text: #fafafa;
            --text-secondary: #a1a1aa;
            --green: #22c55e;
            --red: #ef4444;
        }

        body {
            background: var(--bg);
            color: var(--text);
            font-family: ui-monospace, "SF Mono", Menlo, monospace;
            font-size: 13px;
            padding: 24px;
        }

        h1 { font-size: 16px; margin-bottom: 4px; }
        .sub { color: var(--text-secondary); margin-bottom: 24px; }

        section { margin-bottom: 32px; }
        h2 {
            font-size: 12px;
            text-transform: uppercase;
            letter-spacing: 0.08em;
            color: var(--text-secondary);
            margin-bottom: 8px;
        }

        table { width: 100%; border-collapse: collapse; }
        th, td {
            text-align: left;
            padding: 6px 12px;
            border-bottom: 1px solid var(--border);
            white-space: nowrap;
        }
        th { color: var(--text-secondary); font-weight: 500; }
        td.num { text-align: right; font-variant-numeric: tabular-nums; }

        .ok { color: var(--green); }
        .breached { color: var(--red); font-weight: 600; }

        .badge {
            display: inline-block;
            padding: 1px 6px;
            border-radius: 3px;
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            font-size: 11px;
        }

        #feed li {
            list-style: none;
            padding: 4px 0;
            border-bottom: 1px solid var(--border);
            color: var(--text-secondary);
        }
        #feed li b { color: var(--text); font-weight: 500; }

        #conn { float: right; font-size: 11px; color: var(--text-secondary); }
        #conn.live { color: var(--green); }
        .empty { color: var(--text-secondary); padding: 12px; }
    </style>
</head>
<body>
    <span id="conn">connecting…</span>
    <h1>Payguard</h1>
    <div class="sub">settlement exposure monitor</div>

    <section>
        <h2>Exposure groups</h2>
        <table>
            <thead>
                <tr>
                    <th>PTS</th><th>Entity</th><th>Counterparty</th><th>Value date</th>
                    <th class="num">Exposure (USD)</th><th class="num">Limit (USD)</th>
                    <th class="num">Rows</th><th>State</th>
                </tr>
            </thead>
            <tbody id="groups"><tr><td colspan="8" class="empty">loading…</td></tr></tbody>
        </table>
    </section>

    <section>
        <h2>Recent activity</h2>
        <ul id="feed"></ul>
    </section>

    <script>
        const fmt = new Intl.NumberFormat('en-US', { minimumFractionDigits: 2, maximumFractionDigits: 2 });
        const usd = v => fmt.format(Number(v));

        async function loadGroups() {
            const res = await fetch('/v1/groups');
            if (!res.ok) return;
            const body = await res.json();
            const tbody = document.getElementById('groups');
            if (!body.groups.length) {
                tbody.innerHTML = '<tr><td colspan="8" class="empty">no groups yet</td></tr>';
                return;
            }
            tbody.innerHTML = body.groups.map(g => {
                const rt = g.group;
                const k = rt.group;
                const cls = g.breached ? 'breached' : 'ok';
                const state = g.breached ? 'BREACHED' : 'OK';
                return '<tr>' +
                    '<td>' + k.pts + '</td>' +
                    '<td>' + k.processingEntity + '</td>' +
                    '<td>' + k.counterpartyId + '</td>' +
                    '<td>' + k.valueDate + '</td>' +
                    '<td class="num">' + usd(rt.totalUsd) + '</td>' +
                    '<td class="num">' + usd(g.limitUsd) + '</td>' +
                    '<td class="num">' + rt.settlementCount + '</td>' +
                    '<td class="' + cls + '">' + state + '</td>' +
                    '</tr>';
            }).join('');
        }

        async function loadActivity() {
            const res = await fetch('/v1/activity?limit=25');
            if (!res.ok) return;
            const body = await res.json();
            document.getElementById('feed').innerHTML = body.activity.map(e =>
                '<li><span class="badge">' + e.action + '</span> ' +
                '<b>' + e.businessId + '</b> v' + e.version +
                ' by ' + e.userId +
                (e.comment ? ' — ' + e.comment : '') + '</li>'
            ).join('');
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
            const ws = new WebSocket(proto + '//' + location.host + '/ws?all=true');
            const conn = document.getElementById('conn');
            ws.onopen = () => { conn.textContent = 'live'; conn.className = 'live'; };
            ws.onmessage = () => { loadGroups(); loadActivity(); };
            ws.onclose = () => {
                conn.textContent = 'reconnecting…';
                conn.className = '';
                setTimeout(connect, 3000);
            };
        }

        loadGroups();
        loadActivity();
        connect();
        setInterval(loadGroups, 30000);
    </script>
</body>
</html>`

// dashboardHandler serves the operator dashboard: live exposure per group and
// the recent activity feed, refreshed over the WebSocket event stream.
func (s *Server) dashboardHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardHTML)
}
