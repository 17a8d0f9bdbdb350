package templates

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

// Text is an escaped paragraph.
func Text(s string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<p>"+templ.EscapeString(s)+"</p>")
		return err
	})
}

// Layout wraps content in the greeting and support footer shared by every
// transactional email. The footer is omitted when support is empty.
func Layout(support string, content templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, "<p>Hello,</p>"); err != nil {
			return err
		}
		if err := content.Render(ctx, w); err != nil {
			return err
		}
		if support == "" {
			return nil
		}
		_, err := io.WriteString(w, "<p>Questions? Contact "+templ.EscapeString(support)+".</p>")
		return err
	})
}
