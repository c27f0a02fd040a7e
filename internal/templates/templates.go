package templates

import (
	"sync"

	"github.com/iamwavecut/tool"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/iamwavecut/wardbot/resources"
)

var state = struct {
	once      sync.Once
	templates map[string]string
}{
	templates: map[string]string{},
}

func load() {
	raw, err := resources.FS.ReadFile("templates.yml")
	if err != nil {
		log.WithError(err).Errorln("cant load templates")
		return
	}
	templates := make(map[string]string)
	if err := yaml.Unmarshal(raw, &templates); err != nil {
		log.WithError(err).Errorln("cant unmarshal templates")
		return
	}
	state.templates = templates
}

func Get(key string) string {
	state.once.Do(load)
	if res, ok := state.templates[key]; ok {
		return res
	}
	log.Tracef(`no template for key %q`, key)
	return key
}

func Render(key string, data map[string]any) string {
	return tool.ExecTemplate(Get(key), data)
}
