package sandbox

// ProxyContainerName is the terminal proxy container attached to sandbox
// networks so it can reach ttyd over the bridge.
const ProxyContainerName = "terminal-proxy"

// ContainerName returns the sandbox container name for a project.
func ContainerName(projectID string) string {
	return "sandbox-" + projectID
}

// VolumeName returns the home volume name for a project.
func VolumeName(projectID string) string {
	return "vol-" + projectID
}

// NetworkName returns the bridge network name for a project.
func NetworkName(projectID string) string {
	return "net-" + projectID
}
