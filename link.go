// Completion: 100% - Module complete
package surgelink

import (
	"fmt"
	"os"
)

// Link runs the full surgical pipeline: load or extract the host's
// metadata, then merge the application object into a new executable at
// destPath. When the cached metadata turns out stale mid-merge (the host
// binary changed between load and merge), the metadata is regenerated
// once and the merge retried; a second stale failure propagates.
func Link(hostPath, targetName string, app *AppObject, destPath string) (*MergeReport, error) {
	target, err := ParseTarget(targetName)
	if err != nil {
		return nil, &LinkError{Stage: StageExtract, Err: err}
	}

	meta, err := CachedOrExtract(hostPath, target)
	if err != nil {
		return nil, &LinkError{Stage: StageExtract, Err: err}
	}

	report, err := Merge(meta, hostPath, app, destPath)
	if err == nil {
		return report, nil
	}
	merr := &LinkError{Stage: StageMerge, Err: err}
	if !merr.RetryWithFreshMetadata() {
		return nil, merr
	}

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "Link: metadata stale, re-extracting %s\n", hostPath)
	}
	meta, err = ExtractAndStore(hostPath, target)
	if err != nil {
		return nil, &LinkError{Stage: StageExtract, Err: err}
	}
	report, err = Merge(meta, hostPath, app, destPath)
	if err != nil {
		return nil, &LinkError{Stage: StageMerge, Err: err}
	}
	return report, nil
}
