package worker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// renderSimpleCard builds the C1-style component-tree envelope for an
// unenhanced response, grounded on per_connection_processor.py's inline
// Card/TextContent fallback used for Thesys/Tomorrow-class providers.
func renderSimpleCard(content string) string {
	return wrapContentEnvelope(map[string]any{
		"component": map[string]any{
			"component": "Card",
			"props": map[string]any{
				"children": []map[string]any{{
					"component": "TextContent",
					"props": map[string]any{
						"textMarkdown": content,
					},
				}},
			},
		},
	})
}

// renderErrorCard builds the C1-style error Callout, grounded on
// per_connection_processor.py's _send_error_response.
func renderErrorCard(message string) string {
	return wrapContentEnvelope(map[string]any{
		"component": "Callout",
		"props": map[string]any{
			"variant":     "error",
			"title":       "Processing Error",
			"description": message,
		},
	})
}

func wrapContentEnvelope(card map[string]any) string {
	body, err := json.Marshal(card)
	if err != nil {
		// card is always built from static keys and string values, which
		// json.Marshal encodes without error (invalid UTF-8 is replaced), so
		// this branch is not reached in practice.
		return "<content>{}</content>"
	}
	return fmt.Sprintf("<content>%s</content>", body)
}

// renderSimpleHTML produces the framework-specific markup for a plain
// message, grounded verbatim on utils/html_templates.py's
// create_simple_message_html.
func renderSimpleHTML(escapedMessage, framework string) string {
	switch framework {
	case "tailwind":
		return fmt.Sprintf(`<div class="bg-white p-4 rounded-lg shadow-sm border border-gray-200 max-w-2xl">
    <p class="text-gray-800 text-sm leading-relaxed">%s</p>
</div>`, escapedMessage)
	case "shadcn":
		return fmt.Sprintf(`<div class="rounded-lg border bg-card text-card-foreground shadow-sm max-w-2xl">
    <div class="p-4">
        <p class="text-sm text-muted-foreground leading-relaxed">%s</p>
    </div>
</div>`, escapedMessage)
	default:
		return fmt.Sprintf(`<div style="background: white; padding: 16px; border-radius: 8px; border: 1px solid #e5e7eb; box-shadow: 0 1px 3px rgba(0,0,0,0.1); max-width: 640px;">
    <p style="color: #374151; font-size: 14px; line-height: 1.5; margin: 0;">%s</p>
</div>`, escapedMessage)
	}
}

// renderErrorHTML produces the framework-specific markup for an error
// message, grounded verbatim on utils/html_templates.py's
// create_error_message_html.
func renderErrorHTML(escapedMessage, framework string) string {
	switch framework {
	case "tailwind":
		return fmt.Sprintf(`<div class="bg-red-50 border border-red-200 rounded-lg p-4 max-w-2xl">
    <div class="flex">
        <div class="flex-shrink-0">
            <svg class="h-5 w-5 text-red-400" viewBox="0 0 20 20" fill="currentColor">
                <path fill-rule="evenodd" d="M10 18a8 8 0 100-16 8 8 0 000 16zM8.707 7.293a1 1 0 00-1.414 1.414L8.586 10l-1.293 1.293a1 1 0 101.414 1.414L10 11.414l1.293 1.293a1 1 0 001.414-1.414L11.414 10l1.293-1.293a1 1 0 00-1.414-1.414L10 8.586 8.707 7.293z" clip-rule="evenodd" />
            </svg>
        </div>
        <div class="ml-3">
            <h3 class="text-sm font-medium text-red-800">Processing Error</h3>
            <p class="mt-1 text-sm text-red-700">%s</p>
        </div>
    </div>
</div>`, escapedMessage)
	case "shadcn":
		return fmt.Sprintf(`<div class="rounded-lg border border-destructive/50 bg-destructive/10 text-destructive max-w-2xl">
    <div class="p-4">
        <div class="flex items-start space-x-3">
            <svg class="h-5 w-5 text-destructive mt-0.5" viewBox="0 0 20 20" fill="currentColor">
                <path fill-rule="evenodd" d="M10 18a8 8 0 100-16 8 8 0 000 16zM8.707 7.293a1 1 0 00-1.414 1.414L8.586 10l-1.293 1.293a1 1 0 101.414 1.414L10 11.414l1.293 1.293a1 1 0 001.414-1.414L11.414 10l1.293-1.293a1 1 0 00-1.414-1.414L10 8.586 8.707 7.293z" clip-rule="evenodd" />
            </svg>
            <div>
                <h3 class="font-medium text-sm">Processing Error</h3>
                <p class="text-sm mt-1">%s</p>
            </div>
        </div>
    </div>
</div>`, escapedMessage)
	default:
		return fmt.Sprintf(`<div style="background: #fef2f2; border: 1px solid #fecaca; border-radius: 8px; padding: 16px; max-width: 640px;">
    <div style="display: flex; align-items: flex-start;">
        <div style="margin-right: 12px; color: #dc2626;">&#9888;&#65039;</div>
        <div>
            <h3 style="font-weight: 600; font-size: 14px; color: #991b1b; margin: 0 0 4px 0;">Processing Error</h3>
            <p style="font-size: 14px; color: #dc2626; margin: 0; line-height: 1.5;">%s</p>
        </div>
    </div>
</div>`, escapedMessage)
	}
}

// wrappableTags mirrors ensure_html_wrapped's block-element allowlist: a
// fragment already starting with one of these is left untouched.
var wrappableTags = []string{"<div", "<section", "<article", "<main", "<header", "<footer", "<aside", "<nav"}

// ensureHTMLWrapped guarantees html content sits inside a framework-styled
// container, grounded on utils/html_templates.py's ensure_html_wrapped. In
// practice the simple/error renderers above already emit a top-level <div>,
// so this is usually a no-op safety net, exactly as in the reference
// implementation.
func ensureHTMLWrapped(content, framework string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return trimmed
	}

	lower := strings.ToLower(trimmed)
	for _, tag := range wrappableTags {
		if strings.HasPrefix(lower, tag) {
			return trimmed
		}
	}
	if strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") {
		return trimmed
	}

	return wrapHTMLFragment(trimmed, framework)
}

// wrapHTMLFragment wraps a bare HTML fragment in a framework-appropriate
// container, grounded on utils/html_templates.py's _wrap_html_fragment.
func wrapHTMLFragment(fragment, framework string) string {
	switch framework {
	case "tailwind":
		return fmt.Sprintf(`<div class="w-full max-w-4xl mx-auto p-4">
    <div class="bg-white rounded-lg shadow-sm border border-gray-200 overflow-hidden">
        %s
    </div>
</div>`, fragment)
	case "shadcn":
		return fmt.Sprintf(`<div class="w-full max-w-4xl mx-auto p-4">
    <div class="rounded-lg border bg-card text-card-foreground shadow-sm overflow-hidden">
        %s
    </div>
</div>`, fragment)
	case "chakra":
		return fmt.Sprintf(`<div class="chakra-container" style="width: 100%%; max-width: 1024px; margin: 0 auto; padding: 16px;">
    <div class="chakra-box" style="background: white; border-radius: 8px; box-shadow: 0 1px 3px rgba(0,0,0,0.1); border: 1px solid #e2e8f0; overflow: hidden;">
        %s
    </div>
</div>`, fragment)
	case "mui":
		return fmt.Sprintf(`<div class="MuiContainer-root MuiContainer-maxWidthLg" style="width: 100%%; max-width: 1024px; margin: 0 auto; padding: 16px;">
    <div class="MuiPaper-root MuiPaper-elevation1" style="background: white; border-radius: 8px; overflow: hidden;">
        %s
    </div>
</div>`, fragment)
	case "bootstrap":
		return fmt.Sprintf(`<div class="container" style="max-width: 1024px;">
    <div class="card" style="border: 1px solid rgba(0,0,0,.125); border-radius: 0.375rem; background: white; overflow: hidden;">
        %s
    </div>
</div>`, fragment)
	default:
		return fmt.Sprintf(`<div style="width: 100%%; max-width: 1024px; margin: 0 auto; padding: 16px;">
    <div style="background: white; border-radius: 8px; border: 1px solid #e5e7eb; box-shadow: 0 1px 3px rgba(0,0,0,0.1); overflow: hidden;">
        %s
    </div>
</div>`, fragment)
	}
}
