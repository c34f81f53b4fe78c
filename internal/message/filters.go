package message

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/osteele/liquid"
)

func registerFilters(engine *liquid.Engine) {
	// {{ subscriber.first_name | default: "there" }}
	engine.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	engine.RegisterFilter("urlencode", url.QueryEscape)
	engine.RegisterFilter("first_word", func(s string) string {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return ""
	})
}
