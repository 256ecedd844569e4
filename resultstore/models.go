package resultstore

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"gorm.io/gorm"
)

// Run is a stored solve summary.
type Run struct {
	gorm.Model
	UUID              string `gorm:"size:36;uniqueIndex"`
	Name              string `gorm:"size:255"`
	Status            string `gorm:"size:32;index"`
	StartFrame        int
	EndFrame          int
	SeedFrame         int
	OriginFrame       int
	SolvedFrames      int
	FailedFrames      int
	AverageError      float64
	ErrorStdDev       float64
	MaxError          float64
	WellSolvedBundles int
	RejectedBundles   int
	Iterations        int
	Scale             float64
	Frames            []Frame  `gorm:"foreignKey:RunID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Bundles           []Bundle `gorm:"foreignKey:RunID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

// Frame is one frame of a stored run. Failure holds the failure kind of a frame that did not
// solve; the pose columns are only meaningful when Solved is set.
type Frame struct {
	ID          uint `gorm:"primarykey"`
	RunID       uint `gorm:"index:idx_run_frame"`
	Frame       int  `gorm:"index:idx_run_frame"`
	Solved      bool
	Failure     string `gorm:"size:32"`
	X, Y, Z     float64
	RX, RY, RZ  float64
	FocalLength float64
	Error       float64
}

// Bundle is the final position of one marker's bundle.
type Bundle struct {
	ID         uint   `gorm:"primarykey"`
	RunID      uint   `gorm:"index"`
	Marker     string `gorm:"size:255"`
	X, Y, Z    float64
	WellSolved bool
}

var models = []interface{}{&Run{}, &Frame{}, &Bundle{}}

// BeforeCreate gives a new run its UUID.
func (r *Run) BeforeCreate(*gorm.DB) error {
	if r.UUID == "" {
		r.UUID = uuid.NewString()
	}
	return nil
}

// String prints out a table of the run's frames, with columns of frame, status, translation,
// rotation, focal length and error.
func (r *Run) String() string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("run %d %q: %s", r.ID, r.Name, r.Status))
	t.AppendHeader(table.Row{"Frame", "Status", "Translation", "Rotation ZXY", "Focal", "Error"})
	for _, f := range r.Frames {
		if !f.Solved {
			t.AppendRow(table.Row{f.Frame, f.Failure, "", "", "", ""})
			continue
		}
		t.AppendRow(table.Row{
			f.Frame,
			"solved",
			fmt.Sprintf("X:%.4f, Y:%.4f, Z:%.4f", f.X, f.Y, f.Z),
			fmt.Sprintf("X:%.2f, Y:%.2f, Z:%.2f", f.RX, f.RY, f.RZ),
			fmt.Sprintf("%.3f", f.FocalLength),
			fmt.Sprintf("%.3g", f.Error),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "average", fmt.Sprintf("%.3g", r.AverageError)})
	return t.Render()
}
