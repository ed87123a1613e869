package pipeline

import (
	"fmt"
	"time"
)

// ImagePath returns the storage path of a frame, relative to the image root:
// /<tollId>/<laneNo>/<YYYY-MM-DD>/vehicle_<HH_MM_SS_mmm>.jpg
func ImagePath(tollID, laneNo int, capturedAt time.Time) string {
	t := capturedAt.UTC()
	return fmt.Sprintf("/%d/%d/%s/vehicle_%s_%03d.jpg",
		tollID, laneNo, t.Format("2006-01-02"), t.Format("15_04_05"), t.Nanosecond()/int(time.Millisecond))
}

// VideoPath returns the storage path of a lane recording, relative to the
// video root: /<laneNo>/<unixMillis>.mp4
func VideoPath(laneNo int, startedAt time.Time) string {
	return fmt.Sprintf("/%d/%d.mp4", laneNo, startedAt.UnixMilli())
}
