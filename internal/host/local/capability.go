package local

// Capability is a static capability report.
type Capability struct {
	Notifications bool
	Background    bool
}

// FullCapability reports both facilities present.
func FullCapability() Capability { return Capability{Notifications: true, Background: true} }

func (c Capability) Supported() bool { return c.Notifications && c.Background }
