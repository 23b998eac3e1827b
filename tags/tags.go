package tags

import "github.com/yohamta/donburi"

var (
	RemotePeer  = donburi.NewTag().SetName("RemotePeer")
	LocalAvatar = donburi.NewTag().SetName("LocalAvatar")
)
