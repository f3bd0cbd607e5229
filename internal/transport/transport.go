package transport

// MemHandle is an opaque local registration returned by MemoryDomain.Register.
type MemHandle any

// RemoteKey is an opaque unpacked remote key returned by
// MemoryDomain.UnpackRemoteKey.
type RemoteKey any

// MemoryDomain registers memory and translates registrations to and from the
// wire form peers use to address them.
type MemoryDomain interface {
	Query() (MDAttr, error)
	Register(address, length uint64) (MemHandle, error)
	Deregister(memh MemHandle) error
	PackRemoteKey(memh MemHandle) ([]byte, error)
	UnpackRemoteKey(buf []byte) (RemoteKey, error)
	ReleaseRemoteKey(rkey RemoteKey) error
	IsMemTypeOwned(address uint64) bool
	QueryResources() ([]Resource, error)
	Close() error
}

// Iface is a communication context on one device.
type Iface interface {
	Query() (IfaceAttr, error)
	Address() []byte
	DeviceAddress() []byte
	IsReachable(deviceAddr, ifaceAddr []byte) bool
	Connect(deviceAddr, ifaceAddr []byte) (Endpoint, error)
	// Progress completes finished operations and returns how many completed.
	Progress() int
	Flush(comp *Completion) Status
	Fence() Status
	Close() error
}

// Endpoint is a logical connection to one peer interface.
type Endpoint interface {
	GetZcopy(iov []IOV, remoteAddr uint64, rkey RemoteKey, comp *Completion) (Status, error)
	PutZcopy(iov []IOV, remoteAddr uint64, rkey RemoteKey, comp *Completion) (Status, error)
	PendingAdd(req *PendingRequest) Status
	PendingPurge(cb func(req *PendingRequest))
	Flush(comp *Completion) Status
	Fence() Status
	Close() error
}

// IfaceParams selects what an interface opens.
type IfaceParams struct {
	TLName     string
	DeviceName string
}

// Component is a transport family: it opens memory domains and interfaces.
type Component interface {
	Name() string
	OpenMemoryDomain() (MemoryDomain, error)
	OpenIface(md MemoryDomain, params IfaceParams) (Iface, error)
}
