package intercept

import (
	"regexp"
	"strings"
)

// ruleSet holds the compiled URL allow-lists for one site origin. Observation
// and execution use separate lists: a URL may be watched without ever being
// an accepted command target.
type ruleSet struct {
	observed []*regexp.Regexp
	commands []*regexp.Regexp
	wsPrefix string
}

func compileRules(origin, wsPrefix string) ruleSet {
	o := regexp.QuoteMeta(origin)
	observe := []string{
		o + `/api2/v2/chats(\?|$)`,
		o + `/api2/v2/chats/\d+/messages(\?|$)`,
		o + `/api2/v2/messages/\d+/like$`,
		o + `/api2/v2/chats/\d+/messages$`,
		o + `/api2/v2/chats/\d+/mark-as-read$`,
		o + `/api2/v2/users/\d+/chats(\?|$)`,
		o + `/api2/v2/users/me(\?|$)`,
		o + `/api2/v2/init(\?|$)`,
	}
	command := []string{
		o + `/api2/v2/chats/\d+/messages$`,
		o + `/api2/v2/chats/\d+/mark-as-read$`,
		o + `/api2/v2/messages/\d+/like$`,
	}
	rs := ruleSet{wsPrefix: wsPrefix}
	for _, p := range observe {
		rs.observed = append(rs.observed, regexp.MustCompile("^"+p))
	}
	for _, p := range command {
		rs.commands = append(rs.commands, regexp.MustCompile("^"+p))
	}
	return rs
}

func (rs ruleSet) observedURL(url string) bool {
	for _, p := range rs.observed {
		if p.MatchString(url) {
			return true
		}
	}
	return false
}

// commandAllowed reports whether url is one of the few endpoints commands
// may ever be executed against. Anything else is rejected, no exceptions.
func (rs ruleSet) commandAllowed(url string) bool {
	for _, p := range rs.commands {
		if p.MatchString(url) {
			return true
		}
	}
	return false
}

func (rs ruleSet) chatListURL(url string) bool {
	return rs.observed[0].MatchString(url)
}

func (rs ruleSet) messageHistoryURL(url string) bool {
	return rs.observed[1].MatchString(url)
}

func (rs ruleSet) userMeURL(url string) bool {
	return rs.observed[6].MatchString(url)
}

func (rs ruleSet) initURL(url string) bool {
	return rs.observed[7].MatchString(url)
}

func (rs ruleSet) socketURL(url string) bool {
	return rs.wsPrefix != "" && strings.HasPrefix(url, rs.wsPrefix)
}
