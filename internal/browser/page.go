package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floegence/webpilot-agent/internal/engine"
)

type evaluateResult struct {
	Result struct {
		Type    string          `json:"type"`
		Value   json.RawMessage `json:"value"`
		Subtype string          `json:"subtype"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails"`
}

// Evaluate runs a script in the target and decodes its JSON-stringified
// return value into out.
func (c *Client) Evaluate(ctx context.Context, targetID string, expression string, out any) error {
	var res evaluateResult
	params := map[string]any{"expression": expression, "returnByValue": true, "awaitPromise": true}
	if err := c.Call(ctx, targetID, "Runtime.evaluate", params, &res); err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("script threw: %s", res.ExceptionDetails.Text)
	}
	if out == nil || len(res.Result.Value) == 0 {
		return nil
	}
	// Scripts return JSON.stringify output, so Value is a JSON string that
	// itself contains JSON.
	var encoded string
	if err := json.Unmarshal(res.Result.Value, &encoded); err != nil {
		return json.Unmarshal(res.Result.Value, out)
	}
	return json.Unmarshal([]byte(encoded), out)
}

const observeScript = `JSON.stringify({
  url: location.href,
  title: document.title,
  text: (document.body ? document.body.innerText : '').slice(0, 20000),
  nodes: document.getElementsByTagName('*').length
})`

// Observe captures the aggregate page state used for verification.
func (c *Client) Observe(ctx context.Context, targetID string) (engine.Observation, error) {
	var raw struct {
		URL   string `json:"url"`
		Title string `json:"title"`
		Text  string `json:"text"`
		Nodes int    `json:"nodes"`
	}
	if err := c.Evaluate(ctx, targetID, observeScript, &raw); err != nil {
		return engine.Observation{}, err
	}
	return engine.Observation{
		URL:        raw.URL,
		Title:      raw.Title,
		Text:       raw.Text,
		TextLength: len(raw.Text),
		NodeCount:  raw.Nodes,
	}, nil
}

// SelectorExists reports whether a CSS selector matches anything.
func (c *Client) SelectorExists(ctx context.Context, targetID string, selector string) (bool, error) {
	script := fmt.Sprintf(`JSON.stringify({found: !!document.querySelector(%s)})`, jsString(selector))
	var raw struct {
		Found bool `json:"found"`
	}
	if err := c.Evaluate(ctx, targetID, script, &raw); err != nil {
		return false, err
	}
	return raw.Found, nil
}

// snapshotScript walks candidate elements, registers each under a stable
// ref on the page so later actions can address it, and returns metadata.
const snapshotScript = `(() => {
  window.__wpRefs = {};
  const out = [];
  const candidates = document.querySelectorAll(
    'a,button,input,select,textarea,summary,[role],[onclick],[contenteditable],label');
  let seq = 0;
  for (const el of candidates) {
    if (out.length >= 400) break;
    const rect = el.getBoundingClientRect();
    if (rect.width === 0 && rect.height === 0) continue;
    const ref = 'n' + (++seq);
    window.__wpRefs[ref] = el;
    const attrs = {};
    for (const a of el.attributes) {
      if (a.name !== 'class' && a.name !== 'style' && a.value) attrs[a.name] = a.value.slice(0, 120);
    }
    out.push({
      ref: ref,
      name: (el.getAttribute('aria-label') || el.getAttribute('placeholder') ||
             el.innerText || el.value || '').trim().slice(0, 160),
      role: el.getAttribute('role') || '',
      tag: el.tagName.toLowerCase(),
      selector: el.id ? '#' + el.id : el.tagName.toLowerCase() +
        (el.name ? '[name="' + el.name + '"]' : ''),
      value: typeof el.value === 'string' ? el.value.slice(0, 160) : '',
      attributes: attrs,
      editable: el.isContentEditable || ['INPUT','TEXTAREA','SELECT'].includes(el.tagName),
      disabled: !!el.disabled,
      interactive: true
    });
  }
  return JSON.stringify(out);
})()`

// SnapshotElements captures the addressable elements of a page.
func (c *Client) SnapshotElements(ctx context.Context, targetID string) ([]engine.ElementNode, error) {
	var nodes []engine.ElementNode
	if err := c.Evaluate(ctx, targetID, snapshotScript, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// actionScript addresses a previously snapshotted element by ref and
// performs one action kind on it. Returns a JSON status object.
func actionScript(kind string, ref string, value string) string {
	return fmt.Sprintf(`(() => {
  const el = (window.__wpRefs || {})[%s];
  if (!el || !document.contains(el)) return JSON.stringify({ok:false, code:'REF_REQUIRED', detail:'element reference is stale'});
  const kind = %s;
  const value = %s;
  try {
    switch (kind) {
      case 'click':
        el.scrollIntoView({block:'center'});
        el.click();
        break;
      case 'fill':
      case 'type':
        el.focus();
        if (el.isContentEditable) { el.textContent = value; }
        else { el.value = value; }
        el.dispatchEvent(new Event('input', {bubbles:true}));
        el.dispatchEvent(new Event('change', {bubbles:true}));
        break;
      case 'select':
        el.value = value;
        el.dispatchEvent(new Event('change', {bubbles:true}));
        break;
      case 'hover':
        el.dispatchEvent(new MouseEvent('mouseover', {bubbles:true}));
        break;
      case 'press':
        el.focus();
        el.dispatchEvent(new KeyboardEvent('keydown', {key:value, bubbles:true}));
        el.dispatchEvent(new KeyboardEvent('keyup', {key:value, bubbles:true}));
        break;
      case 'scroll':
        el.scrollIntoView({block:'center'});
        break;
      case 'read':
        return JSON.stringify({ok:true, value: typeof el.value === 'string' && el.value !== '' ? el.value : (el.innerText || '').slice(0, 4000)});
      default:
        return JSON.stringify({ok:false, code:'ARGUMENT_ERROR', detail:'unsupported action ' + kind});
    }
    return JSON.stringify({ok:true});
  } catch (err) {
    return JSON.stringify({ok:false, code:'ACTION_FAILED', detail:String(err)});
  }
})()`, jsString(ref), jsString(kind), jsString(value))
}

type actionOutcome struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
	Value  string `json:"value"`
}

// actOnElement performs one element-scoped action.
func (c *Client) actOnElement(ctx context.Context, targetID string, kind string, ref string, value string) (actionOutcome, error) {
	var outcome actionOutcome
	if err := c.Evaluate(ctx, targetID, actionScript(kind, ref, value), &outcome); err != nil {
		return actionOutcome{}, err
	}
	return outcome, nil
}

// Navigate loads a URL in the target.
func (c *Client) Navigate(ctx context.Context, targetID string, url string) error {
	var res struct {
		ErrorText string `json:"errorText"`
	}
	if err := c.Call(ctx, targetID, "Page.navigate", map[string]any{"url": url}, &res); err != nil {
		return err
	}
	if strings.TrimSpace(res.ErrorText) != "" {
		return fmt.Errorf("navigation failed: %s", res.ErrorText)
	}
	return nil
}

// ScrollBy scrolls the viewport.
func (c *Client) ScrollBy(ctx context.Context, targetID string, dx float64, dy float64) error {
	script := fmt.Sprintf(`JSON.stringify({ok: (window.scrollBy(%g, %g), true)})`, dx, dy)
	var outcome actionOutcome
	return c.Evaluate(ctx, targetID, script, &outcome)
}

// Screenshot captures the visible viewport as base64 image data.
func (c *Client) Screenshot(ctx context.Context, targetID string, format string) (string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "jpeg" && format != "webp" {
		format = "png"
	}
	var res struct {
		Data string `json:"data"`
	}
	if err := c.Call(ctx, targetID, "Page.captureScreenshot", map[string]any{"format": format}, &res); err != nil {
		return "", err
	}
	return res.Data, nil
}

// DispatchMouse sends a raw mouse event sequence at viewport coordinates.
func (c *Client) DispatchMouse(ctx context.Context, targetID string, kind string, x float64, y float64, dx float64, dy float64) error {
	switch kind {
	case "move":
		return c.Call(ctx, targetID, "Input.dispatchMouseEvent", map[string]any{"type": "mouseMoved", "x": x, "y": y}, nil)
	case "click":
		down := map[string]any{"type": "mousePressed", "x": x, "y": y, "button": "left", "clickCount": 1}
		if err := c.Call(ctx, targetID, "Input.dispatchMouseEvent", down, nil); err != nil {
			return err
		}
		up := map[string]any{"type": "mouseReleased", "x": x, "y": y, "button": "left", "clickCount": 1}
		return c.Call(ctx, targetID, "Input.dispatchMouseEvent", up, nil)
	case "scroll":
		params := map[string]any{"type": "mouseWheel", "x": x, "y": y, "deltaX": dx, "deltaY": dy}
		return c.Call(ctx, targetID, "Input.dispatchMouseEvent", params, nil)
	case "drag":
		press := map[string]any{"type": "mousePressed", "x": x, "y": y, "button": "left", "clickCount": 1}
		if err := c.Call(ctx, targetID, "Input.dispatchMouseEvent", press, nil); err != nil {
			return err
		}
		moved := map[string]any{"type": "mouseMoved", "x": x + dx, "y": y + dy, "button": "left"}
		if err := c.Call(ctx, targetID, "Input.dispatchMouseEvent", moved, nil); err != nil {
			return err
		}
		release := map[string]any{"type": "mouseReleased", "x": x + dx, "y": y + dy, "button": "left", "clickCount": 1}
		return c.Call(ctx, targetID, "Input.dispatchMouseEvent", release, nil)
	default:
		return fmt.Errorf("unsupported mouse kind %q", kind)
	}
}

// DispatchKey sends raw keyboard input.
func (c *Client) DispatchKey(ctx context.Context, targetID string, kind string, text string) error {
	switch kind {
	case "type":
		return c.Call(ctx, targetID, "Input.insertText", map[string]any{"text": text}, nil)
	case "key":
		down := map[string]any{"type": "keyDown", "key": text}
		if err := c.Call(ctx, targetID, "Input.dispatchKeyEvent", down, nil); err != nil {
			return err
		}
		return c.Call(ctx, targetID, "Input.dispatchKeyEvent", map[string]any{"type": "keyUp", "key": text}, nil)
	default:
		return fmt.Errorf("unsupported key kind %q", kind)
	}
}

// Focus brings the target to the foreground.
func (c *Client) Focus(ctx context.Context, targetID string) error {
	return c.Call(ctx, targetID, "Page.bringToFront", nil, nil)
}

func jsString(s string) string {
	encoded, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(encoded)
}
