package engine

import (
	"os"

	"github.com/kr/binarydist"
	"gitlab.com/NebulousLabs/errors"
)

// ApplyPatch applies the bsdiff-format delta at deltaPath to the content of
// sourcePath, writing the result to outputPath (§4.3 PATCH task). outputPath
// is created truncated; the caller is responsible for renaming it over the
// final destination once the rename/delete pair in the plan runs.
func ApplyPatch(sourcePath, deltaPath, outputPath string) (err error) {
	old, err := os.Open(sourcePath)
	if err != nil {
		return errors.AddContext(err, "unable to open patch source")
	}
	defer func() { err = errors.Compose(err, old.Close()) }()

	delta, err := os.Open(deltaPath)
	if err != nil {
		return errors.AddContext(err, "unable to open patch delta")
	}
	defer func() { err = errors.Compose(err, delta.Close()) }()

	out, err := os.Create(outputPath)
	if err != nil {
		return errors.AddContext(err, "unable to create patch output")
	}
	defer func() { err = errors.Compose(err, out.Close()) }()

	if perr := binarydist.Patch(old, out, delta); perr != nil {
		return errors.AddContext(perr, "binary patch application failed")
	}
	return nil
}
