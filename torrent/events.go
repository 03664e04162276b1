package torrent

//Torrent sends this to signal a conn to be dropped
type drop struct{}

//Torrent broadcasts this when it wants to signal conns that they should
//try to request some blocks again (e.g after a verification failure
//returned blocks to the unrequested state).
type requestsAvailable struct{}

//Torrent broadcasts this when the download completed and conns should stop
//requesting and serve requests only.
type seeding struct{}

//Torrent sends this when some blocks the conn holds requests for were
//downloaded by another conn (endgame). The conn should send Cancel for them.
type cancelBlocks []block

//event is what the Torrent receives from conns. val is the actual value
//and conn is the connection that sent it.
type event struct {
	//which conn produced this event
	conn *connInfo
	//the actual value
	val interface{}
}

//conn sends this when its request pipeline has room and it is able to
//download. Torrent always replies with a []block command, possibly empty.
type wantBlocks struct{}

//conn sends this to signal that a block was downloaded
type downloadedBlock block

//conn sends this to signal that a block was uploaded
type uploadedBlock block

//conn sends this when it gives up on requests it had queued (choked,
//snubbed or dropped). The blocks should return to the unrequested state.
type discardedRequests []block

//conn sends this to signal that a conn was dropped
type connDroped struct{}

//pieceHasher sends this when a piece was hashed
type pieceHashed struct {
	pieceIndex int
	//verified succesfully or not
	ok bool
}
