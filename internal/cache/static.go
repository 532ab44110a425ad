package cache

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/ggonzalez94/trendmoon-cli/internal/model"
)

//go:embed static/categories.json static/platforms.json
var embeddedStatic embed.FS

// Static serves the fallback lists shipped with the deployment.
type Static struct {
	fsys fs.FS
	name string
}

// NewStatic reads categories.json and platforms.json from dir, or from the copy
// compiled into the binary when dir is empty.
func NewStatic(dir string) *Static {
	if strings.TrimSpace(dir) == "" {
		sub, err := fs.Sub(embeddedStatic, "static")
		if err != nil {
			panic(err)
		}
		return &Static{fsys: sub, name: "embedded"}
	}
	return &Static{fsys: os.DirFS(dir), name: dir}
}

func (s *Static) Load() (model.EntityLists, error) {
	lists, err := readLists(s.fsys, "categories.json", "platforms.json")
	if err != nil {
		return model.EntityLists{}, fmt.Errorf("static lists (%s): %w", s.name, err)
	}
	if len(lists.Categories) == 0 && len(lists.Platforms) == 0 {
		return model.EntityLists{}, fmt.Errorf("static lists (%s): both lists are empty", s.name)
	}
	return lists, nil
}
