package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BridgeGlobal is the name of the object the bootstrap injection
// installs on the renderer's window. Its presence is what
// ContentView.HasBridge probes for.
const BridgeGlobal = "synkronusBridge"

// ProbeExpression evaluates to true inside the renderer when the
// invocation surface is intact.
const ProbeExpression = `typeof window.` + BridgeGlobal + ` === 'object' && window.` + BridgeGlobal + ` !== null`

// escapeLineSeparators rewrites U+2028 and U+2029 as \u escape
// sequences. Both are valid unescaped inside JSON strings but are line
// terminators in JS source before ES2019, so embedding them verbatim
// breaks the injected script.
func escapeLineSeparators(s string) string {
	s = strings.ReplaceAll(s, "\u2028", `\u2028`)
	s = strings.ReplaceAll(s, "\u2029", `\u2029`)
	return s
}

// jsLiteral renders v as a JavaScript literal via its JSON encoding.
func jsLiteral(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Callers pass strings and json.RawMessage; neither can fail.
		return "null"
	}
	return escapeLineSeparators(string(data))
}

// rawLiteral embeds already-encoded JSON as a JS literal.
func rawLiteral(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return escapeLineSeparators(string(raw))
}

// InvokeScript builds the executable injection for one outbound call.
// The script looks up the renderer global named after the verb, invokes
// it with the payload, and posts the outcome back as a response
// envelope carrying requestID. A missing function, a synchronous throw
// and an asynchronous rejection are all coerced into
// {type:"response", requestId, error} — the remote side never silently
// drops a call it received.
func InvokeScript(verb, requestID string, payload json.RawMessage) string {
	return fmt.Sprintf(`(function() {
  var post = function(env) {
    if (window.ReactNativeWebView && window.ReactNativeWebView.postMessage) {
      window.ReactNativeWebView.postMessage(JSON.stringify(env));
    } else if (window.%[1]s && window.%[1]s.post) {
      window.%[1]s.post(env);
    }
  };
  var fn = window[%[2]s];
  if (typeof fn !== 'function') {
    post({type: 'response', requestId: %[3]s, error: 'function not found: ' + %[2]s});
    return;
  }
  Promise.resolve().then(function() { return fn(%[4]s); })
    .then(function(result) { post({type: 'response', requestId: %[3]s, result: result}); })
    .catch(function(err) { post({type: 'response', requestId: %[3]s, error: String(err)}); });
})(); true;`, BridgeGlobal, jsLiteral(verb), jsLiteral(requestID), rawLiteral(payload))
}

// MessageEventScript builds the injection delivering env to the
// renderer as a global message event, the shape it already listens for.
func MessageEventScript(env any) string {
	return fmt.Sprintf(`(function() {
  var data = JSON.stringify(%s);
  window.dispatchEvent(new MessageEvent('message', {data: data}));
})(); true;`, jsLiteral(env))
}

// BootstrapScript builds the injection that installs the bridge
// surface. It is idempotent: a surface that already exists is left
// untouched. When the renderer has registered an onBridgeBootstrap
// hook (the normal case after a silent content-process reset), the
// hook re-announces readiness.
func BootstrapScript() string {
	return fmt.Sprintf(`(function() {
  if (window.%[1]s) { return; }
  window.%[1]s = {
    post: function(env) {
      if (window.ReactNativeWebView && window.ReactNativeWebView.postMessage) {
        window.ReactNativeWebView.postMessage(JSON.stringify(env));
      }
    },
    onHostFocus: function() {
      window.dispatchEvent(new Event('hostfocus'));
    }
  };
  if (typeof window.onBridgeBootstrap === 'function') {
    window.onBridgeBootstrap();
  }
})(); true;`, BridgeGlobal)
}

// FocusScript builds the injection notifying the renderer's retained
// handle that the host regained focus. This is not a readiness
// handshake; the gate stays open.
func FocusScript() string {
	return fmt.Sprintf(`(function() {
  if (window.%[1]s && typeof window.%[1]s.onHostFocus === 'function') {
    window.%[1]s.onHostFocus();
  }
})(); true;`, BridgeGlobal)
}
