package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>statecast replica</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --warn: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .card, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(170px, 1fr)); gap: 10px; }
    .label { font-size: 0.75rem; text-transform: uppercase; color: var(--muted); }
    .value { font-size: 1.2rem; margin-top: 4px; }
    .mono { font-family: "JetBrains Mono", "SFMono-Regular", monospace; }
    .synced { color: var(--accent); }
    .awaiting_snapshot { color: var(--warn); }
    .resync_requested { color: var(--danger); }
    pre { margin: 0; max-height: 60vh; overflow: auto; font-size: 0.85rem; }
    button {
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 6px 12px;
      background: var(--paper);
      cursor: pointer;
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>statecast replica</h1>
      <div class="label">Last refresh: <span id="lastUpdated">never</span> <span id="message"></span></div>
      <button id="resync" type="button">Request snapshot</button>
    </section>
    <section class="cards">
      <article class="card"><div class="label">Sync state</div><div id="syncState" class="value mono">-</div></article>
      <article class="card"><div class="label">Last applied</div><div id="lastApplied" class="value mono">-</div></article>
      <article class="card"><div class="label">Pending</div><div id="pending" class="value mono">-</div></article>
      <article class="card"><div class="label">Digest</div><div id="digest" class="value mono">-</div></article>
    </section>
    <section class="panel">
      <div class="label">Replica</div>
      <pre id="state" class="mono"></pre>
    </section>
  </main>
  <script>
    (function () {
      const byId = (id) => document.getElementById(id);
      async function refresh() {
        try {
          const [status, replica] = await Promise.all([
            fetch("/v1/status").then((r) => r.json()),
            fetch("/v1/replica").then((r) => r.json()),
          ]);
          byId("syncState").textContent = status.syncState;
          byId("syncState").className = "value mono " + status.syncState;
          byId("lastApplied").textContent = status.lastApplied;
          byId("pending").textContent = status.pending;
          byId("digest").textContent = status.digest;
          byId("state").textContent = JSON.stringify(replica.state, null, 2);
          byId("lastUpdated").textContent = new Date().toLocaleTimeString();
          byId("message").textContent = "";
        } catch (err) {
          byId("message").textContent = String(err);
        }
      }
      byId("resync").addEventListener("click", async () => {
        await fetch("/v1/resync", { method: "POST" });
        refresh();
      });
      refresh();
      setInterval(refresh, 2000);
    })();
  </script>
</body>
</html>`

func handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
