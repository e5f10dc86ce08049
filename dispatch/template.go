package dispatch

import (
	"strings"
	"time"
)

type templateVars struct {
	User    string
	Channel string
	Now     time.Time
}

// renderTemplate substitutes the supported response-template tokens. Tokens
// it does not recognize are left verbatim.
func renderTemplate(tmpl string, vars templateVars) string {
	r := strings.NewReplacer(
		"{user}", vars.User,
		"{channel}", vars.Channel,
		"{time}", vars.Now.Format("15:04:05"),
		"{date}", vars.Now.Format("2006-01-02"),
	)
	return r.Replace(tmpl)
}
