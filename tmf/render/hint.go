package render

import (
	"context"
	"errors"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/inference"
)

// Hint suggests what the user can do about err. It returns an empty string
// when there is nothing useful to add.
func Hint(err error) string {
	var (
		statusErr *inference.StatusError
		streamErr *inference.StreamError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &streamErr) && !errors.Is(err, context.Canceled):
		return "the answer was cut off and has not been kept; ask again to retry"
	case errors.As(err, &statusErr) && statusErr.ModelMissing():
		return "download the model first with `ollama pull <model>` or pick another with --model"
	case errors.Is(err, inference.ErrBackendUnavailable):
		return "start the local model server with `ollama serve` and check the endpoint setting"
	case errors.Is(err, inference.ErrBackendTimeout):
		return "the model took too long; try again, raise timeout_seconds or use a smaller model"
	case errors.Is(err, inference.ErrBackendProtocol):
		return "the server sent an unexpected reply; check that the endpoint points at an Ollama server"
	}
	return ""
}
