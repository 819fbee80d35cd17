package api

import (
	"net/http"
)

// operatorUIHTML is the line dashboard: controls, diverter health, recent
// sorting results and the live event stream.
const operatorUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Sorter</title>
<style>
body { margin: 0; font: 13px/1.4 ui-monospace, Menlo, monospace; background: #0d1117; color: #c9d1d9; }
.bar { display: flex; align-items: center; gap: 14px; padding: 10px 16px; background: #161b22; border-bottom: 1px solid #30363d; }
.bar h1 { font-size: 15px; margin: 0 auto 0 0; font-weight: 600; }
.pill { padding: 2px 8px; border-radius: 10px; font-size: 11px; background: #30363d; }
.pill.ok { background: #238636; color: #fff; }
.pill.bad { background: #da3633; color: #fff; }
.pill.warn { background: #9e6a03; color: #fff; }
.grid { display: grid; grid-template-columns: 360px 1fr; height: calc(100vh - 46px); }
.side { border-right: 1px solid #30363d; overflow-y: auto; }
section { padding: 12px 16px; border-bottom: 1px solid #21262d; }
section h2 { font-size: 11px; text-transform: uppercase; letter-spacing: 1px; color: #8b949e; margin: 0 0 8px; }
.row { display: flex; gap: 6px; margin-bottom: 6px; }
select, input, button { font: inherit; border-radius: 4px; border: 1px solid #30363d; background: #0d1117; color: inherit; padding: 4px 8px; }
input { width: 80px; }
button { cursor: pointer; background: #21262d; }
button.go { background: #238636; border-color: #238636; }
button.halt { background: #da3633; border-color: #da3633; }
table { width: 100%; border-collapse: collapse; }
td { padding: 2px 4px; border-bottom: 1px solid #21262d; }
td.num { text-align: right; }
#stream { overflow-y: auto; padding: 8px 16px; }
.ev { display: grid; grid-template-columns: 80px 200px 1fr; gap: 8px; padding: 3px 0; border-bottom: 1px solid #161b22; }
.ev .t { color: #6e7681; }
.ev.warn .n { color: #d29922; }
.ev.error .n { color: #f85149; }
.ev.info .n { color: #58a6ff; }
.ev.debug .n { color: #6e7681; }
#flash { min-height: 18px; color: #8b949e; }
</style>
</head>
<body>
<div class="bar">
  <h1>Sorter</h1>
  <span id="ctl" class="pill">-</span>
  <span id="ws" class="pill warn">connecting</span>
</div>
<div class="grid">
  <div class="side">
    <section>
      <h2>Controls</h2>
      <div class="row">
        <select id="mode">
          <option value="upstream">upstream</option>
          <option value="fixed">fixed</option>
          <option value="round_robin">round_robin</option>
        </select>
        <input id="fixed" type="number" min="1" placeholder="chute">
        <button onclick="applyMode()">apply</button>
      </div>
      <div class="row">
        <button class="go" onclick="setState('running')">run</button>
        <button onclick="setState('paused')">pause</button>
        <button class="halt" onclick="setState('emergency_stop')">e-stop</button>
      </div>
      <div class="row">
        <input id="chute" type="number" min="1" placeholder="chute">
        <button onclick="debugSort()">debug sort</button>
      </div>
      <div id="flash"></div>
    </section>
    <section>
      <h2>Diverters</h2>
      <table id="diverters"></table>
    </section>
    <section>
      <h2>Recent results</h2>
      <table id="results"></table>
    </section>
  </div>
  <div id="stream"></div>
</div>
<script>
const $ = (id) => document.getElementById(id);
const stream = $('stream');

function flash(text) { $('flash').textContent = text; }

function esc(s) {
  return String(s).replace(/[&<>"]/g, (c) => ({'&': '&amp;', '<': '&lt;', '>': '&gt;', '"': '&quot;'}[c]));
}

async function call(method, url, body) {
  const res = await fetch(url, {
    method: method,
    headers: body ? {'Content-Type': 'application/json'} : {},
    body: body ? JSON.stringify(body) : undefined,
  });
  const data = await res.json().catch(() => ({}));
  if (!res.ok) throw new Error(data.error || res.statusText);
  return data;
}

function showControls(c) {
  $('ctl').textContent = c.mode + ' / ' + c.state;
  $('ctl').className = 'pill ' + (c.state === 'running' ? 'ok' : c.state === 'paused' ? 'warn' : 'bad');
  $('mode').value = c.mode;
  if (c.fixed_chute) $('fixed').value = c.fixed_chute;
}

async function applyMode() {
  const body = {mode: $('mode').value};
  const fixed = parseInt($('fixed').value, 10);
  if (body.mode === 'fixed' && fixed > 0) body.fixed_chute = fixed;
  try { showControls((await call('POST', '/operator/mode', body)).controls); flash('mode ' + body.mode); }
  catch (e) { flash(e.message); }
}

async function setState(state) {
  try { showControls((await call('POST', '/operator/state', {state: state})).controls); flash('state ' + state); }
  catch (e) { flash(e.message); }
}

async function debugSort() {
  const chute = parseInt($('chute').value, 10);
  if (!(chute > 0)) { flash('chute required'); return; }
  try {
    const r = await call('POST', '/debug/sort', {chute_id: chute});
    flash(r.parcel_id + ' -> ' + r.actual_chute_id + (r.success ? '' : ' (' + r.failure_reason + ')'));
  } catch (e) { flash(e.message); }
}

async function refresh() {
  try {
    showControls((await call('GET', '/operator/controls')).controls);
    const divs = await call('GET', '/diverters');
    $('diverters').innerHTML = divs.map((d) =>
      '<tr><td>' + d.id + '</td><td>' + esc(d.controller_id) + '</td><td>' +
      '<span class="pill ' + (d.online ? 'ok' : 'bad') + '">' + (d.online ? 'online' : 'offline') + '</span></td></tr>').join('');
    const results = await call('GET', '/results?limit=15');
    $('results').innerHTML = results.map((r) =>
      '<tr><td>' + esc(r.parcel_id) + '</td><td class="num">' + r.target_chute_id + '</td><td class="num">' +
      r.actual_chute_id + '</td><td>' + (r.success ? 'ok' : 'x') + '</td></tr>').join('');
  } catch (e) { flash(e.message); }
}

function addEvent(e) {
  const row = document.createElement('div');
  row.className = 'ev ' + e.level;
  const t = new Date(e.ts).toLocaleTimeString('en-GB');
  const who = e.fields && (e.fields.parcel_id || e.fields.diverter_id || e.fields.controller_id);
  row.innerHTML = '<span class="t">' + t + '</span><span class="n">' + esc(e.event) + '</span><span>' +
    (who ? '[' + esc(who) + '] ' : '') + esc(e.msg || '') + '</span>';
  stream.prepend(row);
  while (stream.childElementCount > 400) stream.lastChild.remove();
}

function connect() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/ws/events');
  ws.onopen = () => { $('ws').textContent = 'live'; $('ws').className = 'pill ok'; };
  ws.onmessage = (m) => { try { addEvent(JSON.parse(m.data)); } catch (_) {} };
  ws.onclose = () => {
    $('ws').textContent = 'offline';
    $('ws').className = 'pill bad';
    setTimeout(connect, 3000);
  };
}

connect();
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>`

// uiHandler serves the line dashboard.
func uiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(operatorUIHTML))
}
