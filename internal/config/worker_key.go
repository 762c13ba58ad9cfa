package config

type WorkerKeyStruct struct {
	PersistSessionsQueue     string
	PersistConnectivityQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistSessionsQueue:     "persist_sessions_queue",
	PersistConnectivityQueue: "persist_connectivity_queue",
}
