package vertex

import (
	"os"

	"github.com/ekho-app/ekho/errors"
)

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read credentials file %s", path)
	}
	return data, nil
}
