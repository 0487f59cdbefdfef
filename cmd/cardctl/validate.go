package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"idcard/internal/cardtemplate"
)

var validateCmd = &cobra.Command{
	Use:   "validate <template.json>",
	Short: "Validate a template file",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	tmpl, err := loadTemplateFile(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	canvas := cardtemplate.DesignSize(tmpl.Orientation)
	var texts, images, rects int
	for _, el := range tmpl.Elements {
		f := el.Base()
		if f.Visible && (f.X < 0 || f.Y < 0 || f.X+f.Width*f.ScaleX > canvas.Width || f.Y+f.Height*f.ScaleY > canvas.Height) {
			fmt.Fprintf(out, "note: element %q extends beyond the %.0fx%.0f canvas and will be clipped\n", f.ID, canvas.Width, canvas.Height)
		}
		switch el.(type) {
		case cardtemplate.TextElement:
			texts++
		case cardtemplate.ImageElement:
			images++
		case cardtemplate.RectElement:
			rects++
		}
	}
	fmt.Fprintf(out, "%s: valid %s template %q (%d text, %d image, %d rect)\n",
		args[0], tmpl.Orientation, tmpl.Name, texts, images, rects)
	return nil
}
