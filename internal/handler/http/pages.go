package http

import (
	"embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed pages/*.html
var pageFS embed.FS

var (
	guestPage  = mustPage("pages/guest.html")
	editorPage = mustPage("pages/editor.html")
)

func mustPage(name string) []byte {
	b, err := pageFS.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return b
}

// GuestPage serves the login page.
func GuestPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", guestPage)
}

// EditorPage serves the editor shell. It must sit behind middleware.EditorAuth.
func EditorPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", editorPage)
}
