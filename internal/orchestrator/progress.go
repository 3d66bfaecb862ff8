package orchestrator

import "io"

// progressReader wraps a transfer body, reporting coarse progress and
// aborting when the task's cancellation flag is raised between reads.
type progressReader struct {
	r         io.Reader
	total     int64
	cancelled func() bool
	onStep    func(pct int)

	read    int64
	lastPct int
}

func newProgressReader(r io.Reader, total int64, cancelled func() bool, onStep func(pct int)) *progressReader {
	return &progressReader{r: r, total: total, cancelled: cancelled, onStep: onStep}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	if pr.cancelled != nil && pr.cancelled() {
		return 0, errCancelled
	}

	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)

		if pr.total > 0 && pr.onStep != nil {
			// 5% steps keep the log readable on large files.
			if pct := int(pr.read * 100 / pr.total); pct >= pr.lastPct+5 {
				pr.lastPct = pct
				pr.onStep(pct)
			}
		}
	}

	return n, err
}
